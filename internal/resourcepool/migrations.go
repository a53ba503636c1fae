package resourcepool

const schema = `
CREATE TABLE IF NOT EXISTS lots (
    resource_type TEXT NOT NULL,
    location TEXT NOT NULL,
    total INTEGER NOT NULL DEFAULT 0,
    available INTEGER NOT NULL DEFAULT 0 CHECK (available >= 0),
    reserved INTEGER NOT NULL DEFAULT 0 CHECK (reserved >= 0),
    threshold INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (resource_type, location),
    CHECK (available + reserved = total)
);

CREATE TABLE IF NOT EXISTS reservations (
    id TEXT PRIMARY KEY,
    request_id TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    location TEXT NOT NULL,
    quantity INTEGER NOT NULL,
    state TEXT NOT NULL DEFAULT 'held',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_reservations_request ON reservations(request_id);
CREATE INDEX IF NOT EXISTS idx_reservations_state ON reservations(state);
`
