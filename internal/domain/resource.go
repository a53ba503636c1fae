package domain

import "time"

// ResourceLot is a pool of fungible units of one resource type at one
// location. Available + Reserved always equals Total; Available never
// goes negative.
type ResourceLot struct {
	ResourceType string
	Location     string
	Total        int
	Available    int
	Reserved     int
	Threshold    int
	UpdatedAt    time.Time
}

// LowStock reports whether the lot has fallen to its alert threshold.
func (l *ResourceLot) LowStock() bool {
	return l.Available <= l.Threshold
}

// ResourceReservation binds consumed lot quantity to one request.
type ResourceReservation struct {
	ID           string
	RequestID    string
	ResourceType string
	Location     string
	Quantity     int
	State        ReservationState
	CreatedAt    time.Time
}

// ResourceOp describes the reservation side of a state transition,
// applied atomically with the request's stage/status update.
type ResourceOp struct {
	Commit  []string // held reservation IDs to commit
	Release []string // held or committed reservation IDs to release
}

// Empty reports whether the op touches no reservations.
func (op ResourceOp) Empty() bool {
	return len(op.Commit) == 0 && len(op.Release) == 0
}
