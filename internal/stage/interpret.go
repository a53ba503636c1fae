package stage

import (
	"context"
	"log"

	"github.com/reliefops/relief-orchestrator/internal/domain"
	"github.com/reliefops/relief-orchestrator/internal/interpreter"
)

// Interpret turns raw request text into structured needs, urgency and
// request type. It prefers the external interpreter; transient failures
// retry with backoff, and once the retry budget is spent the stage
// degrades to the deterministic keyword classifier instead of failing
// the request.
type Interpret struct {
	primary    interpreter.Interpreter // may be nil
	fallback   interpreter.Interpreter
	maxRetries int
}

// NewInterpret builds the interpretation stage. primary may be nil, in
// which case every request goes through the keyword classifier.
func NewInterpret(primary interpreter.Interpreter, maxRetries int) *Interpret {
	return &Interpret{
		primary:    primary,
		fallback:   interpreter.NewFallback(),
		maxRetries: maxRetries,
	}
}

func (s *Interpret) Completes() domain.Stage { return domain.StageInterpreted }

func (s *Interpret) Execute(ctx context.Context, req *domain.Request) domain.StageResult {
	interp, err := s.interpret(ctx, req)
	if err != nil {
		return domain.Retryable("interpreter: %v", err)
	}

	return domain.Success(domain.PayloadDelta{Interpretation: interp})
}

func (s *Interpret) interpret(ctx context.Context, req *domain.Request) (*domain.Interpretation, error) {
	if s.primary == nil {
		return s.fallback.Interpret(ctx, req.Text)
	}

	interp, err := s.primary.Interpret(ctx, req.Text)
	if err == nil {
		return interp, nil
	}
	if req.RetryCount < s.maxRetries {
		return nil, err
	}

	// Retry budget spent; degrade to the keyword classifier rather
	// than failing the request.
	log.Printf("interpreter unavailable for %s, using keyword classifier: %v", req.ID, err)
	return s.fallback.Interpret(ctx, req.Text)
}
