package stage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/reliefops/relief-orchestrator/internal/domain"
	"github.com/reliefops/relief-orchestrator/internal/notify"
	"github.com/reliefops/relief-orchestrator/internal/stakeholder"
)

// DeliveryLedger records which contacts were already notified for a
// request, making retried notify executions idempotent.
type DeliveryLedger interface {
	Delivered(requestID string) (map[string]bool, error)
	RecordDelivery(requestID, contact string) error
}

// Notify resolves the stakeholders for a request and delivers one
// notification per recipient. Each successful delivery is recorded
// immediately, so a retry after a partial failure only reaches the
// contacts still missing.
type Notify struct {
	resolver  *stakeholder.Resolver
	transport notify.Transport
	ledger    DeliveryLedger
}

// NewNotify builds the notification stage.
func NewNotify(resolver *stakeholder.Resolver, transport notify.Transport, ledger DeliveryLedger) *Notify {
	return &Notify{resolver: resolver, transport: transport, ledger: ledger}
}

func (s *Notify) Completes() domain.Stage { return domain.StageNotified }

func (s *Notify) Execute(ctx context.Context, req *domain.Request) domain.StageResult {
	interp := req.Payload.Interpretation
	if interp == nil {
		return domain.Fatal("notify: request has no interpretation")
	}

	location := interp.Location
	if location == "" {
		location = req.Location
	}
	recipients := s.resolver.Resolve(interp.Needs, location)
	recipients = withRequester(recipients, req.Contact)
	if len(recipients) == 0 {
		return domain.Fatal("no stakeholders resolve for needs %s", strings.Join(interp.Needs, ", "))
	}

	delivered, err := s.ledger.Delivered(req.ID)
	if err != nil {
		return domain.Retryable("reading delivery ledger: %v", err)
	}

	// Every undelivered recipient gets an attempt; a failure for one
	// must not hold up the rest of the pass.
	subject, body := composeNotification(req)
	var failed []string
	for _, recipient := range recipients {
		if delivered[recipient] {
			continue
		}
		if err := s.transport.Deliver(ctx, recipient, subject, body); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", recipient, err))
			continue
		}
		if err := s.ledger.RecordDelivery(req.ID, recipient); err != nil {
			failed = append(failed, fmt.Sprintf("%s: recording delivery: %v", recipient, err))
		}
	}
	if len(failed) > 0 {
		return domain.Retryable("delivering to %s", strings.Join(failed, "; "))
	}

	return domain.Success(domain.PayloadDelta{Notification: &domain.Notification{Recipients: recipients}})
}

// withRequester adds the requester's own contact to the recipient set,
// so whoever reported the request hears the outcome alongside the
// responding teams.
func withRequester(recipients []string, contact string) []string {
	if contact == "" {
		return recipients
	}
	for _, r := range recipients {
		if r == contact {
			return recipients
		}
	}
	recipients = append(recipients, contact)
	sort.Strings(recipients)
	return recipients
}

func composeNotification(req *domain.Request) (subject, body string) {
	interp := req.Payload.Interpretation

	tier := "unprioritized"
	if p := req.Payload.Prioritization; p != nil {
		tier = string(p.Tier)
	}
	subject = fmt.Sprintf("[%s] relief request %s", tier, req.ID)

	var b strings.Builder
	fmt.Fprintf(&b, "Needs: %s\n", strings.Join(interp.Needs, ", "))
	if loc := interp.Location; loc != "" {
		fmt.Fprintf(&b, "Location: %s\n", loc)
	} else if req.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", req.Location)
	}
	if a := req.Payload.Assignment; a != nil {
		for _, res := range a.Resources {
			fmt.Fprintf(&b, "Assigned: %dx %s from %s\n", res.Quantity, res.ResourceType, res.Location)
		}
		if len(a.Unfilled) > 0 {
			fmt.Fprintf(&b, "Unfilled: %s\n", strings.Join(a.Unfilled, ", "))
		}
	}
	fmt.Fprintf(&b, "Request: %s", req.Text)
	return subject, b.String()
}
