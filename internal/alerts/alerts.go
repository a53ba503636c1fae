package alerts

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/reliefops/relief-orchestrator/internal/notify"
	"github.com/reliefops/relief-orchestrator/internal/resourcepool"
)

// Sweeper periodically checks the pool for lots at or below their
// alert threshold and notifies the admin contact. A lot is alerted
// once per depletion: the alert re-arms when the lot recovers above
// its threshold.
type Sweeper struct {
	pool      *resourcepool.Pool
	transport notify.Transport
	admin     string
	schedule  cron.Schedule

	mu      sync.Mutex
	alerted map[string]bool // "type/location" lots already alerted
	lastRun time.Time
}

// NewSweeper creates a low-stock sweeper on the given cron expression.
func NewSweeper(pool *resourcepool.Pool, transport notify.Transport, admin, cronExpr string) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parsing alert schedule %q: %w", cronExpr, err)
	}
	return &Sweeper{
		pool:      pool,
		transport: transport,
		admin:     admin,
		schedule:  schedule,
		alerted:   make(map[string]bool),
		lastRun:   time.Now(),
	}, nil
}

// Run checks the schedule once a minute until the context is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.due() {
				if err := s.Sweep(ctx); err != nil {
					log.Printf("low-stock sweep: %v", err)
				}
			}
		}
	}
}

func (s *Sweeper) due() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Now().Before(s.schedule.Next(s.lastRun)) {
		return false
	}
	s.lastRun = time.Now()
	return true
}

// Sweep runs one low-stock check, alerting newly depleted lots and
// re-arming recovered ones.
func (s *Sweeper) Sweep(ctx context.Context) error {
	lots, err := s.pool.Lots(resourcepool.LotOptions{})
	if err != nil {
		return err
	}

	s.mu.Lock()
	var fresh []*lotAlert
	for _, lot := range lots {
		key := lot.ResourceType + "/" + lot.Location
		if !lot.LowStock() {
			delete(s.alerted, key)
			continue
		}
		if s.alerted[key] {
			continue
		}
		s.alerted[key] = true
		fresh = append(fresh, &lotAlert{
			key:       key,
			available: lot.Available,
			threshold: lot.Threshold,
		})
	}
	s.mu.Unlock()

	if len(fresh) == 0 || s.admin == "" {
		return nil
	}

	var b strings.Builder
	for _, a := range fresh {
		fmt.Fprintf(&b, "%s: %d available (threshold %d)\n", a.key, a.available, a.threshold)
	}
	subject := fmt.Sprintf("Low stock: %d lot(s) at or below threshold", len(fresh))
	if err := s.transport.Deliver(ctx, s.admin, subject, b.String()); err != nil {
		// Delivery failed; re-arm so the next sweep retries.
		s.mu.Lock()
		for _, a := range fresh {
			delete(s.alerted, a.key)
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

type lotAlert struct {
	key       string
	available int
	threshold int
}
