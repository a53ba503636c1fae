package domain

// Stage is the last completed processing milestone of a request.
type Stage string

const (
	StageReceived    Stage = "received"
	StageInterpreted Stage = "interpreted"
	StagePrioritized Stage = "prioritized"
	StageAssigned    Stage = "assigned"
	StageNotified    Stage = "notified"
	StageFailed      Stage = "failed"
)

// Status controls poll eligibility of a request.
type Status string

const (
	StatusRunnable Status = "runnable"
	StatusInFlight Status = "in_flight"
	StatusBlocked  Status = "blocked"
	StatusTerminal Status = "terminal"
)

// Urgency is the ordered urgency scale produced by interpretation.
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

// Severity returns a comparable rank, higher is more urgent.
func (u Urgency) Severity() int {
	switch u {
	case UrgencyCritical:
		return 3
	case UrgencyHigh:
		return 2
	case UrgencyMedium:
		return 1
	default:
		return 0
	}
}

// Stricter returns the higher-severity of two urgency levels.
func Stricter(a, b Urgency) Urgency {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// ReservationState is the lifecycle state of a resource reservation.
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Known need/resource types. Needs outside this set are carried
// through verbatim; NeedUnclassified is the sentinel for requests the
// interpreter could not classify.
const (
	NeedFood         = "food"
	NeedWater        = "water"
	NeedMedical      = "medical"
	NeedShelter      = "shelter"
	NeedRescue       = "rescue"
	NeedTransport    = "transport"
	NeedUnclassified = "unclassified"
)
