package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reliefops/relief-orchestrator/internal/config"
	"github.com/reliefops/relief-orchestrator/internal/domain"
	"github.com/reliefops/relief-orchestrator/internal/requeststore"
	"github.com/reliefops/relief-orchestrator/internal/resourcepool"
	"github.com/reliefops/relief-orchestrator/internal/stage"
)

// Event is one pipeline state change, published to the live feeds.
type Event struct {
	RequestID string    `json:"request_id"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	Time      time.Time `json:"time"`
}

// Sink receives pipeline events. Publish must not block.
type Sink interface {
	Publish(Event)
}

// StatusCache mirrors request status for cheap reads. Failures are
// logged, never propagated: the store stays authoritative.
type StatusCache interface {
	Set(ctx context.Context, requestID, stage, status string) error
}

// Orchestrator drives requests through the pipeline: claim a batch,
// fan the work out to a bounded worker pool, and persist each outcome
// through the store's versioned commit. Requests whose next stage is
// resource assignment are processed sequentially in priority order so
// that scarce stock goes to the most urgent requests first.
type Orchestrator struct {
	cfg   *config.Config
	store *requeststore.Store
	pool  *resourcepool.Pool

	// executors keyed by the stage they complete
	executors map[domain.Stage]stage.Executor

	events Sink
	cache  StatusCache

	wake chan struct{}
}

// New creates an Orchestrator over the given store and pool.
func New(cfg *config.Config, store *requeststore.Store, pool *resourcepool.Pool, executors []stage.Executor) *Orchestrator {
	byStage := make(map[domain.Stage]stage.Executor, len(executors))
	for _, e := range executors {
		byStage[e.Completes()] = e
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		pool:      pool,
		executors: byStage,
		wake:      make(chan struct{}, 1),
	}
}

// SetEventSink wires the live event feed. Must be called before Run.
func (o *Orchestrator) SetEventSink(s Sink) { o.events = s }

// SetStatusCache wires the optional status mirror. Must be called
// before Run.
func (o *Orchestrator) SetStatusCache(c StatusCache) { o.cache = c }

// Wake triggers a polling cycle without waiting for the interval.
// Never blocks; a wake during a running cycle coalesces into one
// follow-up cycle.
func (o *Orchestrator) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Run polls until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.General.PollInterval)
	defer ticker.Stop()

	log.Printf("orchestrator running: poll=%s workers=%d claim=%d",
		o.cfg.General.PollInterval, o.cfg.General.Workers, o.cfg.General.ClaimLimit)

	for {
		if err := o.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("cycle error: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-o.wake:
		}
	}
}

// RunCycle claims a batch of pollable requests and processes it.
// Assignment-bound requests run sequentially, most urgent first; all
// other stages fan out across the worker pool.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	claimed, err := o.store.ClaimRunnable(o.cfg.General.ClaimLimit)
	if err != nil {
		return fmt.Errorf("claiming requests: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}

	var toAssign, parallel []*domain.Request
	for _, req := range claimed {
		if req.Stage.NextStage() == domain.StageAssigned && !req.CancelRequested {
			toAssign = append(toAssign, req)
		} else {
			parallel = append(parallel, req)
		}
	}

	// Scarce stock goes to the most urgent requests first; ties break
	// oldest first.
	sort.Slice(toAssign, func(i, j int) bool {
		si, sj := priorityOf(toAssign[i]), priorityOf(toAssign[j])
		if si != sj {
			return si > sj
		}
		return toAssign[i].CreatedAt.Before(toAssign[j].CreatedAt)
	})
	for _, req := range toAssign {
		if ctx.Err() != nil {
			break
		}
		o.process(ctx, req)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.General.Workers)
	for _, req := range parallel {
		req := req
		g.Go(func() error {
			o.process(gctx, req)
			return nil
		})
	}
	g.Wait()
	return ctx.Err()
}

func priorityOf(req *domain.Request) int {
	if p := req.Payload.Prioritization; p != nil {
		return p.Tier.Severity()
	}
	return 0
}

// process runs one claimed request through its next stage and persists
// the outcome. Version conflicts (a concurrent cancel, typically)
// cause a bounded re-read-and-retry.
func (o *Orchestrator) process(ctx context.Context, req *domain.Request) {
	for attempt := 0; ; attempt++ {
		if req.CancelRequested {
			o.cancel(req)
			return
		}

		exec, ok := o.executors[req.Stage.NextStage()]
		if !ok {
			o.fail(req, "no executor for stage after "+string(req.Stage), nil, 0)
			return
		}

		stageCtx, cancel := context.WithTimeout(ctx, o.cfg.Stages.Timeout)
		start := time.Now()
		res := exec.Execute(stageCtx, req)
		cancel()
		latency := time.Since(start)

		switch res.Kind {
		case domain.ResultSuccess:
			err := o.commit(req, exec.Completes(), res, latency)
			if errors.Is(err, requeststore.ErrVersionConflict) && attempt < o.cfg.General.ConflictRetry {
				o.releaseReservations(res.Reservations)
				fresh, gerr := o.store.Get(req.ID)
				if gerr != nil {
					log.Printf("re-reading %s after conflict: %v", req.ID, gerr)
					return
				}
				req = fresh
				continue
			}
			if errors.Is(err, requeststore.ErrVersionConflict) {
				// Re-execution budget spent; back off like any other
				// transient failure instead of re-running every cycle.
				o.releaseReservations(res.Reservations)
				o.retry(req, "version conflict while committing "+string(exec.Completes()))
				return
			}
			if err != nil {
				o.releaseReservations(res.Reservations)
				log.Printf("committing %s: %v", req.ID, err)
				if rerr := o.store.ReleaseToRunnable(req.ID, err.Error()); rerr != nil {
					log.Printf("releasing %s: %v", req.ID, rerr)
				}
			}
			return

		case domain.ResultRetryable:
			o.releaseReservations(res.Reservations)
			o.retry(req, res.Reason)
			return

		case domain.ResultDeferred:
			o.releaseReservations(res.Reservations)
			o.park(req, res.Reason)
			return

		default: // fatal
			o.releaseReservations(res.Reservations)
			o.fail(req, res.Reason, nil, latency)
			return
		}
	}
}

func (o *Orchestrator) commit(req *domain.Request, completed domain.Stage, res domain.StageResult, latency time.Duration) error {
	newStatus := domain.StatusRunnable
	if completed == domain.StageNotified {
		newStatus = domain.StatusTerminal
	}

	op := domain.ResourceOp{Commit: res.Reservations}
	err := o.store.CommitTransition(req.ID, req.Version, completed, newStatus, res.Delta, op, latency)
	if err != nil {
		return err
	}

	log.Printf("request %s: %s -> %s (%s)", req.ID, req.Stage, completed, latency.Round(time.Millisecond))
	o.publish(req.ID, completed, newStatus, "success", "")
	return nil
}

// retry parks the request with exponential backoff; once the budget
// is spent the failure becomes fatal.
func (o *Orchestrator) retry(req *domain.Request, reason string) {
	retries := req.RetryCount + 1
	if retries > o.cfg.Stages.MaxRetries {
		o.fail(req, fmt.Sprintf("retries exhausted: %s", reason), nil, 0)
		return
	}

	resumeAfter := time.Now().Add(o.backoff(retries))
	if err := o.store.ReleaseToBlocked(req.ID, "retryable", reason, &resumeAfter, retries); err != nil {
		log.Printf("blocking %s: %v", req.ID, err)
		return
	}
	log.Printf("request %s: retry %d/%d in %s: %s",
		req.ID, retries, o.cfg.Stages.MaxRetries, time.Until(resumeAfter).Round(time.Second), reason)
	o.publish(req.ID, req.Stage, domain.StatusBlocked, "retryable", reason)
}

// park holds a deferred request without consuming retry budget or
// growing backoff; it is re-polled every cycle until the world changes.
func (o *Orchestrator) park(req *domain.Request, reason string) {
	if err := o.store.ReleaseToBlocked(req.ID, "deferred", reason, nil, req.RetryCount); err != nil {
		log.Printf("deferring %s: %v", req.ID, err)
		return
	}
	o.publish(req.ID, req.Stage, domain.StatusBlocked, "deferred", reason)
}

// fail moves the request to the terminal Failed stage. Every
// reservation of the request goes back to the pool: a failed request
// received no assistance, so nothing stays consumed.
func (o *Orchestrator) fail(req *domain.Request, reason string, extraRelease []string, latency time.Duration) {
	op := domain.ResourceOp{Release: extraRelease}
	reservations, err := o.pool.ReservationsFor(req.ID)
	if err != nil {
		log.Printf("listing reservations for %s: %v", req.ID, err)
	}
	for _, r := range reservations {
		if r.State != domain.ReservationReleased {
			op.Release = append(op.Release, r.ID)
		}
	}

	if err := o.store.MarkFailed(req.ID, reason, op, latency); err != nil {
		log.Printf("failing %s: %v", req.ID, err)
		return
	}
	log.Printf("request %s failed at %s: %s", req.ID, req.Stage, reason)
	o.publish(req.ID, domain.StageFailed, domain.StatusTerminal, "fatal", reason)
}

// cancel honors an external cancellation: every reservation of the
// request, held or committed, goes back to the pool.
func (o *Orchestrator) cancel(req *domain.Request) {
	var op domain.ResourceOp
	reservations, err := o.pool.ReservationsFor(req.ID)
	if err != nil {
		log.Printf("listing reservations for %s: %v", req.ID, err)
	}
	for _, r := range reservations {
		if r.State != domain.ReservationReleased {
			op.Release = append(op.Release, r.ID)
		}
	}

	if err := o.store.MarkFailed(req.ID, "cancelled", op, 0); err != nil {
		log.Printf("cancelling %s: %v", req.ID, err)
		return
	}
	log.Printf("request %s cancelled", req.ID)
	o.publish(req.ID, domain.StageFailed, domain.StatusTerminal, "cancelled", "")
}

func (o *Orchestrator) releaseReservations(ids []string) {
	for _, id := range ids {
		if err := o.pool.Release(id); err != nil {
			log.Printf("releasing reservation %s: %v", id, err)
		}
	}
}

// backoff computes base * 2^(retries-1), capped at the limit.
func (o *Orchestrator) backoff(retries int) time.Duration {
	d := o.cfg.Stages.BackoffBase
	for i := 1; i < retries; i++ {
		d *= 2
		if d >= o.cfg.Stages.BackoffLimit {
			return o.cfg.Stages.BackoffLimit
		}
	}
	if d > o.cfg.Stages.BackoffLimit {
		d = o.cfg.Stages.BackoffLimit
	}
	return d
}

func (o *Orchestrator) publish(requestID string, s domain.Stage, st domain.Status, outcome, reason string) {
	if o.cache != nil {
		if err := o.cache.Set(context.Background(), requestID, string(s), string(st)); err != nil {
			log.Printf("status cache: %v", err)
		}
	}
	if o.events == nil {
		return
	}
	o.events.Publish(Event{
		RequestID: requestID,
		Stage:     string(s),
		Status:    string(st),
		Outcome:   outcome,
		Reason:    reason,
		Time:      time.Now(),
	})
}
