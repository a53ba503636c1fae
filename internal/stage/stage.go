package stage

import (
	"context"

	"github.com/reliefops/relief-orchestrator/internal/domain"
)

// Executor runs one pipeline stage against a request snapshot. The
// snapshot is read-only: all persistence happens in the orchestrator's
// commit, keyed on the snapshot version. Expected domain conditions
// (insufficient stock, transient collaborator failures) come back as
// StageResult variants, not errors.
type Executor interface {
	// Completes names the milestone a successful execution reaches.
	Completes() domain.Stage
	Execute(ctx context.Context, req *domain.Request) domain.StageResult
}
