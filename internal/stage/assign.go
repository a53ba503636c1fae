package stage

import (
	"context"
	"sort"
	"strings"

	"github.com/reliefops/relief-orchestrator/internal/domain"
	"github.com/reliefops/relief-orchestrator/internal/resourcepool"
)

// Assign reserves one resource unit per interpreted need, preferring
// the request's own location and spilling over to other lots with
// stock. Reservations taken here stay Held until the orchestrator
// commits the transition; on any non-success outcome it releases them.
type Assign struct {
	pool *resourcepool.Pool
}

// NewAssign builds the assignment stage.
func NewAssign(pool *resourcepool.Pool) *Assign {
	return &Assign{pool: pool}
}

func (s *Assign) Completes() domain.Stage { return domain.StageAssigned }

func (s *Assign) Execute(_ context.Context, req *domain.Request) domain.StageResult {
	interp := req.Payload.Interpretation
	if interp == nil {
		return domain.Fatal("assign: request has no interpretation")
	}

	needs := concreteNeeds(interp.Needs)
	if len(needs) == 0 {
		// Nothing reservable; the notify stage still reaches the
		// fallback coordinator.
		return domain.Success(domain.PayloadDelta{Assignment: &domain.Assignment{}})
	}

	location := interp.Location
	if location == "" {
		location = req.Location
	}

	var (
		assigned     []domain.AssignedResource
		reservations []string
		unfilled     []string
	)
	for _, need := range needs {
		r, ok, err := s.reserve(req.ID, need, location)
		if err != nil {
			return domain.StageResult{
				Kind:         domain.ResultRetryable,
				Reason:       "reserving " + need + ": " + err.Error(),
				Reservations: reservations,
			}
		}
		if !ok {
			unfilled = append(unfilled, need)
			continue
		}
		reservations = append(reservations, r.ID)
		assigned = append(assigned, domain.AssignedResource{
			ReservationID: r.ID,
			ResourceType:  r.ResourceType,
			Location:      r.Location,
			Quantity:      r.Quantity,
		})
	}

	// Nothing could be filled: defer until stock is replenished. No
	// reservations were taken, so nothing leaks while we wait.
	if len(assigned) == 0 {
		return domain.Deferred("insufficient stock for %s", strings.Join(unfilled, ", "))
	}

	return domain.StageResult{
		Kind: domain.ResultSuccess,
		Delta: domain.PayloadDelta{Assignment: &domain.Assignment{
			Resources: assigned,
			Unfilled:  unfilled,
			Partial:   len(unfilled) > 0,
		}},
		Reservations: reservations,
	}
}

// reserve tries the preferred location first, then any other lot of
// the type, fullest first.
func (s *Assign) reserve(requestID, resourceType, location string) (*domain.ResourceReservation, bool, error) {
	if location != "" {
		r, ok, err := s.pool.TryReserve(requestID, resourceType, location, 1)
		if err != nil || ok {
			return r, ok, err
		}
	}

	lots, err := s.pool.Lots(resourcepool.LotOptions{ResourceType: resourceType})
	if err != nil {
		return nil, false, err
	}
	sort.Slice(lots, func(i, j int) bool { return lots[i].Available > lots[j].Available })
	for _, lot := range lots {
		if lot.Location == location || lot.Available < 1 {
			continue
		}
		r, ok, err := s.pool.TryReserve(requestID, resourceType, lot.Location, 1)
		if err != nil || ok {
			return r, ok, err
		}
	}
	return nil, false, nil
}

func concreteNeeds(needs []string) []string {
	var out []string
	for _, n := range needs {
		if n != domain.NeedUnclassified {
			out = append(out, n)
		}
	}
	return out
}
