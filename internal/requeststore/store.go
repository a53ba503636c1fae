package requeststore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/reliefops/relief-orchestrator/internal/domain"
	"github.com/reliefops/relief-orchestrator/internal/resourcepool"
)

// ErrVersionConflict means another actor mutated the request since the
// caller's snapshot was read. Re-read and re-apply or abandon.
var ErrVersionConflict = errors.New("request version conflict")

// ErrNotFound means no request exists with the given id.
var ErrNotFound = errors.New("request not found")

// Store provides SQLite-backed request persistence. It is the single
// durable record of each request's stage, status, accumulated payload
// and retry state; per-request state is never held in process memory
// across polling cycles.
type Store struct {
	db *sql.DB
}

// Open creates a Store with the given database path
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so the resource pool can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Enqueue inserts a new request in the Received/Runnable state.
func (s *Store) Enqueue(req *domain.Request) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now()
	req.Stage = domain.StageReceived
	req.Status = domain.StatusRunnable
	req.CreatedAt = now
	req.UpdatedAt = now

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO requests (id, title, body, location, contact, stage, status, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.Title, req.Text, req.Location, req.Contact,
		string(req.Stage), string(req.Status), string(payload), req.CreatedAt, req.UpdatedAt)
	return err
}

const requestColumns = `id, title, body, location, contact, stage, status, payload,
	retry_count, last_error, version, cancel_requested, resume_after, created_at, updated_at`

// Get retrieves a request by ID
func (s *Store) Get(id string) (*domain.Request, error) {
	row := s.db.QueryRow(`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return req, err
}

// ListOptions specifies filters for listing requests
type ListOptions struct {
	Stage  domain.Stage
	Status domain.Status
}

// List returns requests matching the given options
func (s *Store) List(opts ListOptions) ([]*domain.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE 1=1`
	var args []interface{}

	if opts.Stage != "" {
		query += " AND stage = ?"
		args = append(args, string(opts.Stage))
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY created_at"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// ClaimRunnable atomically marks up to limit pollable requests as
// InFlight and returns their snapshots. A claimed request cannot be
// claimed again until released, which enforces one active worker per
// request. Blocked requests become pollable once their resume_after
// has passed (or immediately when deferred without one). Candidates
// are taken highest priority tier first, oldest first within a tier,
// so a critical request never waits behind a full page of older
// low-priority ones.
func (s *Store) ClaimRunnable(limit int) ([]*domain.Request, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now()
	rows, err := tx.Query(`
		SELECT id FROM requests
		WHERE status = ? OR (status = ? AND (resume_after IS NULL OR resume_after <= ?))
		ORDER BY CASE json_extract(payload, '$.prioritization.tier')
			WHEN 'critical' THEN 3
			WHEN 'high' THEN 2
			WHEN 'medium' THEN 1
			ELSE 0
		END DESC, created_at
		LIMIT ?
	`, string(domain.StatusRunnable), string(domain.StatusBlocked), now, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []*domain.Request
	for _, id := range ids {
		if _, err := tx.Exec(`
			UPDATE requests SET status = ?, version = version + 1, updated_at = ? WHERE id = ?
		`, string(domain.StatusInFlight), now, id); err != nil {
			return nil, err
		}
		req, err := scanRequest(tx.QueryRow(`SELECT ` + requestColumns + ` FROM requests WHERE id = ?`, id))
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, req)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// CommitTransition atomically advances a request to a new stage and
// status, merges the stage's payload, clears retry state, and applies
// the reservation commit/release in the same transaction. The update
// is keyed on the snapshot version; ErrVersionConflict is returned if
// the request changed underneath the caller.
func (s *Store) CommitTransition(id string, expectedVersion int, newStage domain.Stage, newStatus domain.Status, delta domain.PayloadDelta, op domain.ResourceOp, latency time.Duration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var payloadJSON string
	var version int
	err = tx.QueryRow(`SELECT payload, version FROM requests WHERE id = ?`, id).Scan(&payloadJSON, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if version != expectedVersion {
		return ErrVersionConflict
	}

	var payload domain.Payload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return fmt.Errorf("decoding payload for %s: %w", id, err)
	}
	payload.Apply(delta)
	merged, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	res, err := tx.Exec(`
		UPDATE requests
		SET stage = ?, status = ?, payload = ?, retry_count = 0, last_error = NULL,
		    resume_after = NULL, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, string(newStage), string(newStatus), string(merged), time.Now(), id, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}

	for _, resID := range op.Commit {
		if err := resourcepool.CommitTx(tx, resID); err != nil {
			return err
		}
	}
	for _, resID := range op.Release {
		if err := resourcepool.ReleaseTx(tx, resID); err != nil {
			return err
		}
	}

	if err := insertTransition(tx, id, newStage, newStatus, "success", "", latency); err != nil {
		return err
	}

	return tx.Commit()
}

// ReleaseToRunnable returns an InFlight request to the poll queue.
func (s *Store) ReleaseToRunnable(id, reason string) error {
	_, err := s.db.Exec(`
		UPDATE requests SET status = ?, last_error = ?, resume_after = NULL,
			version = version + 1, updated_at = ?
		WHERE id = ?
	`, string(domain.StatusRunnable), reason, time.Now(), id)
	return err
}

// ReleaseToBlocked parks an InFlight request after a Retryable or
// Deferred outcome. A nil resumeAfter means the request is re-polled
// on every cycle (deferral); otherwise it stays invisible to claims
// until the timestamp passes (retry backoff).
func (s *Store) ReleaseToBlocked(id, outcome, reason string, resumeAfter *time.Time, retryCount int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var stage, status string
	err = tx.QueryRow(`SELECT stage, status FROM requests WHERE id = ?`, id).Scan(&stage, &status)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`
		UPDATE requests SET status = ?, last_error = ?, resume_after = ?,
			retry_count = ?, version = version + 1, updated_at = ?
		WHERE id = ?
	`, string(domain.StatusBlocked), reason, resumeAfter, retryCount, time.Now(), id); err != nil {
		return err
	}

	if err := insertTransition(tx, id, domain.Stage(stage), domain.StatusBlocked, outcome, reason, 0); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkFailed moves a request to the Failed terminal state, preserving
// the failure reason for operator inspection and releasing any of its
// reservations in the same transaction.
func (s *Store) MarkFailed(id, reason string, op domain.ResourceOp, latency time.Duration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE requests SET stage = ?, status = ?, last_error = ?,
			resume_after = NULL, version = version + 1, updated_at = ?
		WHERE id = ?
	`, string(domain.StageFailed), string(domain.StatusTerminal), reason, time.Now(), id); err != nil {
		return err
	}

	for _, resID := range op.Release {
		if err := resourcepool.ReleaseTx(tx, resID); err != nil {
			return err
		}
	}

	if err := insertTransition(tx, id, domain.StageFailed, domain.StatusTerminal, "fatal", reason, latency); err != nil {
		return err
	}
	return tx.Commit()
}

// RequestCancel flags a request for cancellation. The orchestrator
// checks the flag after claiming and before executing a stage.
func (s *Store) RequestCancel(id string) error {
	res, err := s.db.Exec(`
		UPDATE requests SET cancel_requested = TRUE, version = version + 1, updated_at = ?
		WHERE id = ? AND status != ?
	`, time.Now(), id, string(domain.StatusTerminal))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delivered returns the set of contacts already notified for a
// request. The Notify stage consults this to stay idempotent.
func (s *Store) Delivered(requestID string) (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT contact FROM deliveries WHERE request_id = ?`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out[c] = true
	}
	return out, rows.Err()
}

// RecordDelivery marks a contact as notified for a request.
func (s *Store) RecordDelivery(requestID, contact string) error {
	_, err := s.db.Exec(`
		INSERT INTO deliveries (request_id, contact) VALUES (?, ?)
		ON CONFLICT(request_id, contact) DO NOTHING
	`, requestID, contact)
	return err
}

// Counters aggregates pipeline state for the metrics surface.
type Counters struct {
	ByStage           map[string]int     `json:"by_stage"`
	ByStatus          map[string]int     `json:"by_status"`
	Failed            int                `json:"failed"`
	AvgStageLatencyMs map[string]float64 `json:"avg_stage_latency_ms"`
}

// Counters returns request counts by stage and status, the failure
// count, and average stage latency from the transition history.
func (s *Store) Counters() (*Counters, error) {
	c := &Counters{
		ByStage:           make(map[string]int),
		ByStatus:          make(map[string]int),
		AvgStageLatencyMs: make(map[string]float64),
	}

	rows, err := s.db.Query(`SELECT stage, COUNT(*) FROM requests GROUP BY stage`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			rows.Close()
			return nil, err
		}
		c.ByStage[stage] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	c.Failed = c.ByStage[string(domain.StageFailed)]

	rows, err = s.db.Query(`SELECT status, COUNT(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		c.ByStatus[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(`
		SELECT stage, AVG(latency_ms) FROM transitions
		WHERE outcome = 'success' AND latency_ms > 0 GROUP BY stage
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var stage string
		var avg float64
		if err := rows.Scan(&stage, &avg); err != nil {
			return nil, err
		}
		c.AvgStageLatencyMs[stage] = avg
	}
	return c, rows.Err()
}

func insertTransition(tx *sql.Tx, requestID string, stage domain.Stage, status domain.Status, outcome, reason string, latency time.Duration) error {
	_, err := tx.Exec(`
		INSERT INTO transitions (request_id, stage, status, outcome, error, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, requestID, string(stage), string(status), outcome, reason, latency.Milliseconds())
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*domain.Request, error) {
	var req domain.Request
	var stage, status, payloadJSON string
	var title, location, contact, lastError sql.NullString
	var resumeAfter sql.NullTime

	err := row.Scan(&req.ID, &title, &req.Text, &location, &contact, &stage, &status,
		&payloadJSON, &req.RetryCount, &lastError, &req.Version, &req.CancelRequested,
		&resumeAfter, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}

	req.Stage = domain.Stage(stage)
	req.Status = domain.Status(status)
	req.Title = title.String
	req.Location = location.String
	req.Contact = contact.String
	req.LastError = lastError.String
	if resumeAfter.Valid {
		t := resumeAfter.Time
		req.ResumeAfter = &t
	}
	if err := json.Unmarshal([]byte(payloadJSON), &req.Payload); err != nil {
		return nil, fmt.Errorf("decoding payload for %s: %w", req.ID, err)
	}

	return &req, nil
}
