package domain

import "fmt"

// ResultKind discriminates the outcome of a stage execution.
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultRetryable
	ResultFatal
	ResultDeferred
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultRetryable:
		return "retryable"
	case ResultFatal:
		return "fatal"
	case ResultDeferred:
		return "deferred"
	}
	return "unknown"
}

// StageResult is the tagged outcome of one stage execution. Expected
// domain conditions (deferral, transient collaborator failures) are
// carried here as values, never as errors.
type StageResult struct {
	Kind   ResultKind
	Reason string
	Delta  PayloadDelta
	// Reservations holds the IDs of reservations taken during the
	// stage. On success they are committed with the transition; on any
	// other outcome the orchestrator releases them.
	Reservations []string
}

// Success builds a successful result carrying the stage's payload.
func Success(delta PayloadDelta) StageResult {
	return StageResult{Kind: ResultSuccess, Delta: delta}
}

// Retryable builds a transient-failure result.
func Retryable(format string, args ...interface{}) StageResult {
	return StageResult{Kind: ResultRetryable, Reason: fmt.Sprintf(format, args...)}
}

// Fatal builds a non-retryable failure result.
func Fatal(format string, args ...interface{}) StageResult {
	return StageResult{Kind: ResultFatal, Reason: fmt.Sprintf(format, args...)}
}

// Deferred builds a domain-blocked result; the request is re-polled
// without consuming retry budget.
func Deferred(format string, args ...interface{}) StageResult {
	return StageResult{Kind: ResultDeferred, Reason: fmt.Sprintf(format, args...)}
}
