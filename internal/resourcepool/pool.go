package resourcepool

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/reliefops/relief-orchestrator/internal/domain"
)

// Pool tracks typed, located consumable resource lots and the
// reservations held against them. All quantity mutations go through
// the atomic reserve/commit/release operations; the lot row update is
// the serialization point for concurrent callers.
type Pool struct {
	db *sql.DB
}

// New creates a Pool on the given database, running its migrations.
func New(db *sql.DB) (*Pool, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running pool migrations: %w", err)
	}
	return &Pool{db: db}, nil
}

// UpsertLot creates a lot or resets its quantities and threshold.
func (p *Pool) UpsertLot(lot *domain.ResourceLot) error {
	_, err := p.db.Exec(`
		INSERT INTO lots (resource_type, location, total, available, reserved, threshold, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(resource_type, location) DO UPDATE SET
			total = excluded.total,
			available = excluded.total - lots.reserved,
			threshold = excluded.threshold,
			updated_at = excluded.updated_at
	`, lot.ResourceType, lot.Location, lot.Total, lot.Total, lot.Threshold, time.Now())
	return err
}

// Replenish adds quantity to a lot, creating it if missing. This is
// the entry point for the external replenishment process: a pure
// increment to available (and total) quantity.
func (p *Pool) Replenish(resourceType, location string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("replenish quantity must be positive, got %d", quantity)
	}
	_, err := p.db.Exec(`
		INSERT INTO lots (resource_type, location, total, available, reserved, updated_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(resource_type, location) DO UPDATE SET
			total = lots.total + excluded.total,
			available = lots.available + excluded.available,
			updated_at = excluded.updated_at
	`, resourceType, location, quantity, quantity, time.Now())
	return err
}

// TryReserve atomically checks and decrements available quantity,
// creating a Held reservation. ok is false when the lot is missing or
// has insufficient stock; that is an expected outcome, not an error.
func (p *Pool) TryReserve(requestID, resourceType, location string, quantity int) (*domain.ResourceReservation, bool, error) {
	if quantity <= 0 {
		return nil, false, fmt.Errorf("reserve quantity must be positive, got %d", quantity)
	}

	tx, err := p.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE lots
		SET available = available - ?, reserved = reserved + ?, updated_at = ?
		WHERE resource_type = ? AND location = ? AND available >= ?
	`, quantity, quantity, time.Now(), resourceType, location, quantity)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil // insufficient stock
	}

	r := &domain.ResourceReservation{
		ID:           uuid.NewString(),
		RequestID:    requestID,
		ResourceType: resourceType,
		Location:     location,
		Quantity:     quantity,
		State:        domain.ReservationHeld,
		CreatedAt:    time.Now(),
	}
	if _, err := tx.Exec(`
		INSERT INTO reservations (id, request_id, resource_type, location, quantity, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.RequestID, r.ResourceType, r.Location, r.Quantity, string(r.State), r.CreatedAt); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// Commit transitions a Held reservation to Committed. Quantities were
// already moved at reservation time.
func (p *Pool) Commit(reservationID string) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := CommitTx(tx, reservationID); err != nil {
		return err
	}
	return tx.Commit()
}

// Release returns a Held or Committed reservation's quantity to the lot.
func (p *Pool) Release(reservationID string) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := ReleaseTx(tx, reservationID); err != nil {
		return err
	}
	return tx.Commit()
}

// CommitTx commits a Held reservation inside an existing transaction,
// so a stage transition and its reservation commit land atomically.
func CommitTx(tx *sql.Tx, reservationID string) error {
	res, err := tx.Exec(`UPDATE reservations SET state = ? WHERE id = ? AND state = ?`,
		string(domain.ReservationCommitted), reservationID, string(domain.ReservationHeld))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("reservation %s not held", reservationID)
	}
	return nil
}

// ReleaseTx releases a Held or Committed reservation inside an
// existing transaction, returning its quantity to the lot.
func ReleaseTx(tx *sql.Tx, reservationID string) error {
	row := tx.QueryRow(`
		SELECT resource_type, location, quantity, state FROM reservations WHERE id = ?
	`, reservationID)

	var resourceType, location, state string
	var quantity int
	if err := row.Scan(&resourceType, &location, &quantity, &state); err != nil {
		return fmt.Errorf("reservation %s: %w", reservationID, err)
	}
	if state == string(domain.ReservationReleased) {
		return nil // already released, idempotent
	}

	if _, err := tx.Exec(`UPDATE reservations SET state = ? WHERE id = ?`,
		string(domain.ReservationReleased), reservationID); err != nil {
		return err
	}
	_, err := tx.Exec(`
		UPDATE lots
		SET available = available + ?, reserved = reserved - ?, updated_at = ?
		WHERE resource_type = ? AND location = ?
	`, quantity, quantity, time.Now(), resourceType, location)
	return err
}

// ReleaseAllFor releases every non-released reservation of a request.
// Used on fatal failure and cancellation.
func (p *Pool) ReleaseAllFor(requestID string) error {
	reservations, err := p.ReservationsFor(requestID)
	if err != nil {
		return err
	}
	for _, r := range reservations {
		if r.State == domain.ReservationReleased {
			continue
		}
		if err := p.Release(r.ID); err != nil {
			return err
		}
	}
	return nil
}

// ReservationsFor returns all reservations bound to a request.
func (p *Pool) ReservationsFor(requestID string) ([]*domain.ResourceReservation, error) {
	rows, err := p.db.Query(`
		SELECT id, request_id, resource_type, location, quantity, state, created_at
		FROM reservations WHERE request_id = ? ORDER BY created_at
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ResourceReservation
	for rows.Next() {
		var r domain.ResourceReservation
		var state string
		if err := rows.Scan(&r.ID, &r.RequestID, &r.ResourceType, &r.Location, &r.Quantity, &state, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.State = domain.ReservationState(state)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// LotOptions filters lot listings.
type LotOptions struct {
	ResourceType string
	Location     string
}

// Lots returns lots matching the given options.
func (p *Pool) Lots(opts LotOptions) ([]*domain.ResourceLot, error) {
	query := `SELECT resource_type, location, total, available, reserved, threshold, updated_at FROM lots WHERE 1=1`
	var args []interface{}

	if opts.ResourceType != "" {
		query += " AND resource_type = ?"
		args = append(args, opts.ResourceType)
	}
	if opts.Location != "" {
		query += " AND location = ?"
		args = append(args, opts.Location)
	}
	query += " ORDER BY resource_type, location"

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []*domain.ResourceLot
	for rows.Next() {
		var l domain.ResourceLot
		if err := rows.Scan(&l.ResourceType, &l.Location, &l.Total, &l.Available, &l.Reserved, &l.Threshold, &l.UpdatedAt); err != nil {
			return nil, err
		}
		lots = append(lots, &l)
	}
	return lots, rows.Err()
}

// LowStock returns lots at or below their alert threshold.
func (p *Pool) LowStock() ([]*domain.ResourceLot, error) {
	lots, err := p.Lots(LotOptions{})
	if err != nil {
		return nil, err
	}
	var low []*domain.ResourceLot
	for _, l := range lots {
		if l.LowStock() {
			low = append(low, l)
		}
	}
	return low, nil
}

// TypeAvailability sums availability and thresholds per resource type
// across locations, for scarcity scoring.
type TypeAvailability struct {
	Available int
	Threshold int
}

// Availability returns per-type aggregate availability.
func (p *Pool) Availability() (map[string]TypeAvailability, error) {
	rows, err := p.db.Query(`
		SELECT resource_type, SUM(available), SUM(threshold) FROM lots GROUP BY resource_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]TypeAvailability)
	for rows.Next() {
		var t string
		var a TypeAvailability
		if err := rows.Scan(&t, &a.Available, &a.Threshold); err != nil {
			return nil, err
		}
		out[t] = a
	}
	return out, rows.Err()
}
