package stage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/reliefops/relief-orchestrator/internal/domain"
	"github.com/reliefops/relief-orchestrator/internal/notify"
	"github.com/reliefops/relief-orchestrator/internal/resourcepool"
	"github.com/reliefops/relief-orchestrator/internal/stakeholder"
)

func openTestPool(t *testing.T) *resourcepool.Pool {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "stage.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000"); err != nil {
		t.Fatal(err)
	}
	pool, err := resourcepool.New(db)
	if err != nil {
		t.Fatal(err)
	}
	return pool
}

func interpretedRequest(needs []string, urgency domain.Urgency, text string) *domain.Request {
	return &domain.Request{
		ID:        "req-1",
		Text:      text,
		Location:  "north",
		Stage:     domain.StageInterpreted,
		Status:    domain.StatusInFlight,
		CreatedAt: time.Now(),
		Payload: domain.Payload{Interpretation: &domain.Interpretation{
			Needs:   needs,
			Urgency: urgency,
		}},
	}
}

type failingInterpreter struct{ err error }

func (f *failingInterpreter) Interpret(context.Context, string) (*domain.Interpretation, error) {
	return nil, f.err
}

func TestInterpret_Fallback(t *testing.T) {
	s := NewInterpret(nil, 2)
	res := s.Execute(context.Background(), &domain.Request{ID: "r", Text: "family trapped under rubble"})
	if res.Kind != domain.ResultSuccess {
		t.Fatalf("kind = %s, want success", res.Kind)
	}
	if res.Delta.Interpretation.RequestType != domain.NeedRescue {
		t.Errorf("request type = %s, want rescue", res.Delta.Interpretation.RequestType)
	}
}

func TestInterpret_RetryableThenDegrades(t *testing.T) {
	s := NewInterpret(&failingInterpreter{err: errors.New("connection refused")}, 2)
	req := &domain.Request{ID: "r", Text: "need water urgently"}

	res := s.Execute(context.Background(), req)
	if res.Kind != domain.ResultRetryable {
		t.Fatalf("first attempt kind = %s, want retryable", res.Kind)
	}

	// Once the retry budget is spent, the keyword classifier answers.
	req.RetryCount = 2
	res = s.Execute(context.Background(), req)
	if res.Kind != domain.ResultSuccess {
		t.Fatalf("exhausted-budget kind = %s (%s), want success", res.Kind, res.Reason)
	}
	if res.Delta.Interpretation.RequestType != domain.NeedWater {
		t.Errorf("request type = %s, want water", res.Delta.Interpretation.RequestType)
	}
}

func TestPrioritize_TierFromFactors(t *testing.T) {
	pool := openTestPool(t)
	s := NewPrioritize(pool)

	critical := s.Execute(context.Background(),
		interpretedRequest([]string{domain.NeedMedical}, domain.UrgencyCritical, "child bleeding"))
	low := s.Execute(context.Background(),
		interpretedRequest([]string{domain.NeedFood}, domain.UrgencyLow, "could use some food"))

	if critical.Kind != domain.ResultSuccess || low.Kind != domain.ResultSuccess {
		t.Fatalf("kinds = %s/%s", critical.Kind, low.Kind)
	}
	cp, lp := critical.Delta.Prioritization, low.Delta.Prioritization
	if cp.Score <= lp.Score {
		t.Errorf("critical score %v not above low score %v", cp.Score, lp.Score)
	}
	if cp.Tier.Severity() <= lp.Tier.Severity() {
		t.Errorf("tiers: critical=%s low=%s", cp.Tier, lp.Tier)
	}
}

func TestPrioritize_StricterOfTwo(t *testing.T) {
	pool := openTestPool(t)
	s := NewPrioritize(pool)

	// Factor score for a fresh, non-vulnerable, stocked request is low,
	// but the interpreter called it critical: critical must win.
	res := s.Execute(context.Background(),
		interpretedRequest([]string{domain.NeedFood}, domain.UrgencyCritical, "plain request"))
	if res.Delta.Prioritization.Tier != domain.UrgencyCritical {
		t.Errorf("tier = %s, want critical (interpreter urgency may only raise)",
			res.Delta.Prioritization.Tier)
	}
}

func TestPrioritize_ScarcityRaisesScore(t *testing.T) {
	scarce := openTestPool(t)
	scarce.UpsertLot(&domain.ResourceLot{ResourceType: "water", Location: "north", Total: 2, Threshold: 5})
	plenty := openTestPool(t)
	plenty.UpsertLot(&domain.ResourceLot{ResourceType: "water", Location: "north", Total: 100, Threshold: 5})

	req := interpretedRequest([]string{domain.NeedWater}, domain.UrgencyLow, "plain request")
	a := NewPrioritize(scarce).Execute(context.Background(), req)
	b := NewPrioritize(plenty).Execute(context.Background(), req)

	if a.Delta.Prioritization.Factors["scarcity"] <= b.Delta.Prioritization.Factors["scarcity"] {
		t.Errorf("scarcity: scarce=%v plenty=%v",
			a.Delta.Prioritization.Factors["scarcity"], b.Delta.Prioritization.Factors["scarcity"])
	}
}

func TestPrioritize_MissingInterpretationIsFatal(t *testing.T) {
	s := NewPrioritize(openTestPool(t))
	res := s.Execute(context.Background(), &domain.Request{ID: "r"})
	if res.Kind != domain.ResultFatal {
		t.Errorf("kind = %s, want fatal", res.Kind)
	}
}

func TestAssign_FullFill(t *testing.T) {
	pool := openTestPool(t)
	pool.UpsertLot(&domain.ResourceLot{ResourceType: "water", Location: "north", Total: 5})
	pool.UpsertLot(&domain.ResourceLot{ResourceType: "food", Location: "north", Total: 5})

	s := NewAssign(pool)
	res := s.Execute(context.Background(),
		interpretedRequest([]string{domain.NeedWater, domain.NeedFood}, domain.UrgencyHigh, ""))
	if res.Kind != domain.ResultSuccess {
		t.Fatalf("kind = %s (%s), want success", res.Kind, res.Reason)
	}
	a := res.Delta.Assignment
	if len(a.Resources) != 2 || a.Partial {
		t.Errorf("assignment = %+v, want 2 resources full fill", a)
	}
	if len(res.Reservations) != 2 {
		t.Errorf("reservations = %v, want 2 held IDs", res.Reservations)
	}
}

func TestAssign_PartialFill(t *testing.T) {
	pool := openTestPool(t)
	pool.UpsertLot(&domain.ResourceLot{ResourceType: "water", Location: "north", Total: 1})

	s := NewAssign(pool)
	res := s.Execute(context.Background(),
		interpretedRequest([]string{domain.NeedWater, domain.NeedFood}, domain.UrgencyHigh, ""))
	if res.Kind != domain.ResultSuccess {
		t.Fatalf("kind = %s, want success", res.Kind)
	}
	a := res.Delta.Assignment
	if !a.Partial || len(a.Unfilled) != 1 || a.Unfilled[0] != domain.NeedFood {
		t.Errorf("assignment = %+v, want partial with food unfilled", a)
	}
}

func TestAssign_DeferredWhenNoStock(t *testing.T) {
	pool := openTestPool(t)

	s := NewAssign(pool)
	res := s.Execute(context.Background(),
		interpretedRequest([]string{domain.NeedWater}, domain.UrgencyHigh, ""))
	if res.Kind != domain.ResultDeferred {
		t.Fatalf("kind = %s, want deferred", res.Kind)
	}
	if len(res.Reservations) != 0 {
		t.Errorf("deferred result holds reservations: %v", res.Reservations)
	}
}

func TestAssign_SpillsToOtherLocation(t *testing.T) {
	pool := openTestPool(t)
	pool.UpsertLot(&domain.ResourceLot{ResourceType: "water", Location: "north", Total: 0})
	pool.UpsertLot(&domain.ResourceLot{ResourceType: "water", Location: "south", Total: 3})

	s := NewAssign(pool)
	res := s.Execute(context.Background(),
		interpretedRequest([]string{domain.NeedWater}, domain.UrgencyHigh, ""))
	if res.Kind != domain.ResultSuccess {
		t.Fatalf("kind = %s (%s), want success", res.Kind, res.Reason)
	}
	if res.Delta.Assignment.Resources[0].Location != "south" {
		t.Errorf("location = %s, want south spillover", res.Delta.Assignment.Resources[0].Location)
	}
}

type memLedger struct {
	delivered map[string]map[string]bool
}

func newMemLedger() *memLedger {
	return &memLedger{delivered: make(map[string]map[string]bool)}
}

func (m *memLedger) Delivered(requestID string) (map[string]bool, error) {
	out := make(map[string]bool)
	for c := range m.delivered[requestID] {
		out[c] = true
	}
	return out, nil
}

func (m *memLedger) RecordDelivery(requestID, contact string) error {
	if m.delivered[requestID] == nil {
		m.delivered[requestID] = make(map[string]bool)
	}
	m.delivered[requestID][contact] = true
	return nil
}

var notifyRoster = stakeholder.Roster{
	Teams: []stakeholder.Team{
		{Name: "water", Contact: "water@example.org", ResourceTypes: []string{domain.NeedWater}},
		{Name: "food", Contact: "food@example.org", ResourceTypes: []string{domain.NeedFood}},
	},
}

func TestNotify_DeliversAndRecords(t *testing.T) {
	transport := &notify.Memory{}
	ledger := newMemLedger()
	s := NewNotify(stakeholder.NewStatic(notifyRoster), transport, ledger)

	req := interpretedRequest([]string{domain.NeedWater, domain.NeedFood}, domain.UrgencyHigh, "need water and food")
	res := s.Execute(context.Background(), req)
	if res.Kind != domain.ResultSuccess {
		t.Fatalf("kind = %s (%s), want success", res.Kind, res.Reason)
	}
	if len(res.Delta.Notification.Recipients) != 2 {
		t.Errorf("recipients = %v", res.Delta.Notification.Recipients)
	}
	if len(transport.Deliveries()) != 2 {
		t.Errorf("deliveries = %d, want 2", len(transport.Deliveries()))
	}
}

func TestNotify_IdempotentAcrossRetry(t *testing.T) {
	transport := &notify.Memory{}
	ledger := newMemLedger()
	ledger.RecordDelivery("req-1", "water@example.org")
	s := NewNotify(stakeholder.NewStatic(notifyRoster), transport, ledger)

	req := interpretedRequest([]string{domain.NeedWater, domain.NeedFood}, domain.UrgencyHigh, "")
	res := s.Execute(context.Background(), req)
	if res.Kind != domain.ResultSuccess {
		t.Fatalf("kind = %s, want success", res.Kind)
	}

	// Only the not-yet-notified contact gets a delivery.
	d := transport.Deliveries()
	if len(d) != 1 || d[0].Recipient != "food@example.org" {
		t.Errorf("deliveries = %+v, want single delivery to food@example.org", d)
	}
}

func TestNotify_NotifiesRequester(t *testing.T) {
	transport := &notify.Memory{}
	s := NewNotify(stakeholder.NewStatic(notifyRoster), transport, newMemLedger())

	req := interpretedRequest([]string{domain.NeedWater}, domain.UrgencyHigh, "need water")
	req.Contact = "reporter@example.org"
	res := s.Execute(context.Background(), req)
	if res.Kind != domain.ResultSuccess {
		t.Fatalf("kind = %s (%s), want success", res.Kind, res.Reason)
	}

	seen := make(map[string]bool)
	for _, d := range transport.Deliveries() {
		seen[d.Recipient] = true
	}
	if !seen["reporter@example.org"] {
		t.Errorf("deliveries = %+v, requester was not notified", transport.Deliveries())
	}
	if !seen["water@example.org"] {
		t.Errorf("deliveries = %+v, responding team was not notified", transport.Deliveries())
	}
}

// rejectingTransport fails deliveries to one recipient and records the
// rest.
type rejectingTransport struct {
	notify.Memory
	reject string
}

func (r *rejectingTransport) Deliver(ctx context.Context, recipient, subject, body string) error {
	if recipient == r.reject {
		return errors.New("mailbox unavailable")
	}
	return r.Memory.Deliver(ctx, recipient, subject, body)
}

func TestNotify_AttemptsEveryRecipientOnFailure(t *testing.T) {
	// food@example.org sorts before water@example.org, so a first-failure
	// abort would never reach the water team.
	transport := &rejectingTransport{reject: "food@example.org"}
	ledger := newMemLedger()
	s := NewNotify(stakeholder.NewStatic(notifyRoster), transport, ledger)

	req := interpretedRequest([]string{domain.NeedWater, domain.NeedFood}, domain.UrgencyHigh, "")
	res := s.Execute(context.Background(), req)
	if res.Kind != domain.ResultRetryable {
		t.Fatalf("kind = %s, want retryable", res.Kind)
	}

	d := transport.Deliveries()
	if len(d) != 1 || d[0].Recipient != "water@example.org" {
		t.Fatalf("deliveries = %+v, want water@example.org reached despite the earlier failure", d)
	}
	delivered, _ := ledger.Delivered("req-1")
	if !delivered["water@example.org"] {
		t.Error("successful delivery was not recorded in the ledger")
	}

	// The retry only has the failed recipient left.
	transport.reject = ""
	res = s.Execute(context.Background(), req)
	if res.Kind != domain.ResultSuccess {
		t.Fatalf("retry kind = %s (%s), want success", res.Kind, res.Reason)
	}
	if len(transport.Deliveries()) != 2 {
		t.Errorf("deliveries = %+v, want exactly one more on retry", transport.Deliveries())
	}
}

func TestNotify_TransportFailureIsRetryable(t *testing.T) {
	transport := &notify.Memory{Fail: errors.New("webhook down")}
	s := NewNotify(stakeholder.NewStatic(notifyRoster), transport, newMemLedger())

	res := s.Execute(context.Background(),
		interpretedRequest([]string{domain.NeedWater}, domain.UrgencyHigh, ""))
	if res.Kind != domain.ResultRetryable {
		t.Errorf("kind = %s, want retryable", res.Kind)
	}
}

func TestNotify_NoStakeholdersIsFatal(t *testing.T) {
	s := NewNotify(stakeholder.NewStatic(stakeholder.Roster{}), &notify.Memory{}, newMemLedger())
	res := s.Execute(context.Background(),
		interpretedRequest([]string{domain.NeedRescue}, domain.UrgencyHigh, ""))
	if res.Kind != domain.ResultFatal {
		t.Errorf("kind = %s, want fatal", res.Kind)
	}
}
