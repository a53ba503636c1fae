package resourcepool

import (
	"database/sql"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	_ "modernc.org/sqlite"

	"github.com/reliefops/relief-orchestrator/internal/domain"
)

func openTestPool(t *testing.T) *Pool {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000"); err != nil {
		t.Fatal(err)
	}
	pool, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	return pool
}

func lotInvariant(t *testing.T, pool *Pool, resourceType, location string, wantTotal int) {
	t.Helper()
	lots, err := pool.Lots(LotOptions{ResourceType: resourceType, Location: location})
	if err != nil {
		t.Fatal(err)
	}
	if len(lots) != 1 {
		t.Fatalf("lot count = %d, want 1", len(lots))
	}
	l := lots[0]
	if l.Available < 0 {
		t.Errorf("available = %d, must not be negative", l.Available)
	}
	if l.Reserved < 0 {
		t.Errorf("reserved = %d, must not be negative", l.Reserved)
	}
	if l.Available+l.Reserved != l.Total {
		t.Errorf("available(%d) + reserved(%d) != total(%d)", l.Available, l.Reserved, l.Total)
	}
	if l.Total != wantTotal {
		t.Errorf("total = %d, want %d", l.Total, wantTotal)
	}
}

func TestPool_TryReserve(t *testing.T) {
	pool := openTestPool(t)
	if err := pool.UpsertLot(&domain.ResourceLot{ResourceType: "rescue", Location: "north", Total: 3}); err != nil {
		t.Fatal(err)
	}

	r, ok, err := pool.TryReserve("req-1", "rescue", "north", 2)
	if err != nil || !ok {
		t.Fatalf("TryReserve = (%v, %v, %v), want held reservation", r, ok, err)
	}
	if r.State != domain.ReservationHeld {
		t.Errorf("state = %s, want held", r.State)
	}
	lotInvariant(t, pool, "rescue", "north", 3)

	// Remaining stock is 1; a reserve of 2 must be refused.
	_, ok, err = pool.TryReserve("req-2", "rescue", "north", 2)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("TryReserve succeeded beyond available stock")
	}

	// Unknown lot is insufficient stock, not an error.
	_, ok, err = pool.TryReserve("req-3", "water", "north", 1)
	if err != nil || ok {
		t.Errorf("TryReserve on missing lot = (ok=%v, err=%v), want (false, nil)", ok, err)
	}
}

func TestPool_CommitAndRelease(t *testing.T) {
	pool := openTestPool(t)
	if err := pool.UpsertLot(&domain.ResourceLot{ResourceType: "water", Location: "east", Total: 10}); err != nil {
		t.Fatal(err)
	}

	r, ok, err := pool.TryReserve("req-1", "water", "east", 4)
	if err != nil || !ok {
		t.Fatal(err)
	}

	if err := pool.Commit(r.ID); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// Commit moves no quantity; it was moved at reserve time.
	lotInvariant(t, pool, "water", "east", 10)
	lots, _ := pool.Lots(LotOptions{ResourceType: "water"})
	if lots[0].Available != 6 || lots[0].Reserved != 4 {
		t.Errorf("after commit: available=%d reserved=%d, want 6/4", lots[0].Available, lots[0].Reserved)
	}

	// Double commit is an error: the reservation is no longer held.
	if err := pool.Commit(r.ID); err == nil {
		t.Error("second Commit succeeded, want error")
	}

	if err := pool.Release(r.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	lots, _ = pool.Lots(LotOptions{ResourceType: "water"})
	if lots[0].Available != 10 || lots[0].Reserved != 0 {
		t.Errorf("after release: available=%d reserved=%d, want 10/0", lots[0].Available, lots[0].Reserved)
	}

	// Release is idempotent.
	if err := pool.Release(r.ID); err != nil {
		t.Errorf("second Release: %v", err)
	}
	lotInvariant(t, pool, "water", "east", 10)
}

func TestPool_Replenish(t *testing.T) {
	pool := openTestPool(t)

	if err := pool.Replenish("food", "west", 5); err != nil {
		t.Fatal(err)
	}
	lotInvariant(t, pool, "food", "west", 5)

	if err := pool.Replenish("food", "west", 3); err != nil {
		t.Fatal(err)
	}
	lotInvariant(t, pool, "food", "west", 8)

	if err := pool.Replenish("food", "west", 0); err == nil {
		t.Error("Replenish(0) succeeded, want error")
	}
}

func TestPool_LowStock(t *testing.T) {
	pool := openTestPool(t)
	pool.UpsertLot(&domain.ResourceLot{ResourceType: "medical", Location: "north", Total: 2, Threshold: 5})
	pool.UpsertLot(&domain.ResourceLot{ResourceType: "food", Location: "north", Total: 50, Threshold: 5})

	low, err := pool.LowStock()
	if err != nil {
		t.Fatal(err)
	}
	if len(low) != 1 || low[0].ResourceType != "medical" {
		t.Errorf("LowStock = %+v, want single medical lot", low)
	}
}

// Concurrent reservations against one lot must never oversubscribe it.
func TestPool_ConcurrentReserve(t *testing.T) {
	pool := openTestPool(t)
	const total = 20
	if err := pool.UpsertLot(&domain.ResourceLot{ResourceType: "rescue", Location: "central", Total: total}); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	const attempts = 25
	var granted sync.Map
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < attempts; i++ {
				qty := 1 + rng.Intn(3)
				r, ok, err := pool.TryReserve("stress", "rescue", "central", qty)
				if err != nil {
					t.Errorf("TryReserve: %v", err)
					return
				}
				if !ok {
					continue
				}
				granted.Store(r.ID, qty)
				// Randomly release some to keep stock moving.
				if rng.Intn(2) == 0 {
					if err := pool.Release(r.ID); err != nil {
						t.Errorf("Release: %v", err)
						return
					}
					granted.Delete(r.ID)
				}
			}
		}(w)
	}
	wg.Wait()

	held := 0
	granted.Range(func(_, v interface{}) bool {
		held += v.(int)
		return true
	})
	if held > total {
		t.Errorf("outstanding reservations sum to %d, exceeds total %d", held, total)
	}
	lotInvariant(t, pool, "rescue", "central", total)
}

// Property: any sequence of reserve/commit/release operations keeps
// available >= 0 and available + reserved == total.
func TestPool_InvariantProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("lot quantities stay conserved", prop.ForAll(
		func(total int, quantities []int, actions []int) bool {
			pool := openTestPool(t)
			if err := pool.UpsertLot(&domain.ResourceLot{ResourceType: "kit", Location: "depot", Total: total}); err != nil {
				return false
			}

			var open []string
			for i, q := range quantities {
				if q <= 0 {
					continue
				}
				r, ok, err := pool.TryReserve("prop", "kit", "depot", q)
				if err != nil {
					return false
				}
				if ok {
					open = append(open, r.ID)
				}
				if len(open) > 0 && i < len(actions) {
					id := open[0]
					switch actions[i] % 3 {
					case 0:
						if err := pool.Commit(id); err != nil {
							return false
						}
						open = open[1:]
					case 1:
						if err := pool.Release(id); err != nil {
							return false
						}
						open = open[1:]
					}
				}
			}

			lots, err := pool.Lots(LotOptions{ResourceType: "kit"})
			if err != nil || len(lots) != 1 {
				return false
			}
			l := lots[0]
			return l.Available >= 0 && l.Reserved >= 0 && l.Available+l.Reserved == l.Total
		},
		gen.IntRange(0, 30),
		gen.SliceOf(gen.IntRange(1, 6)),
		gen.SliceOf(gen.IntRange(0, 8)),
	))

	properties.TestingRun(t)
}
