package interpreter

import (
	"context"

	"github.com/reliefops/relief-orchestrator/internal/domain"
)

// Interpreter turns raw request text into a structured interpretation.
// Implementations must be safe for concurrent use.
type Interpreter interface {
	Interpret(ctx context.Context, text string) (*domain.Interpretation, error)
}
