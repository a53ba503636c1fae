package replenish

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/reliefops/relief-orchestrator/internal/resourcepool"
)

func openTestPool(t *testing.T) *resourcepool.Pool {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "stock.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	pool, err := resourcepool.New(db)
	if err != nil {
		t.Fatal(err)
	}
	return pool
}

const stockSheet = `
[[lots]]
resource_type = "water"
location = "north"
total = 100
threshold = 10

[[lots]]
resource_type = "medical"
location = "north"
total = 20
threshold = 5
`

func TestApply(t *testing.T) {
	pool := openTestPool(t)
	path := filepath.Join(t.TempDir(), "stock.toml")
	if err := os.WriteFile(path, []byte(stockSheet), 0644); err != nil {
		t.Fatal(err)
	}

	n, err := Apply(pool, path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("applied %d lots, want 2", n)
	}

	lots, err := pool.Lots(resourcepool.LotOptions{ResourceType: "water"})
	if err != nil {
		t.Fatal(err)
	}
	if len(lots) != 1 || lots[0].Total != 100 || lots[0].Threshold != 10 {
		t.Errorf("water lot = %+v", lots)
	}
}

func TestApply_PreservesReservations(t *testing.T) {
	pool := openTestPool(t)
	path := filepath.Join(t.TempDir(), "stock.toml")
	if err := os.WriteFile(path, []byte(stockSheet), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Apply(pool, path); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := pool.TryReserve("req-1", "water", "north", 30); err != nil || !ok {
		t.Fatal(err)
	}

	// Re-applying the sheet keeps the 30 reserved units reserved.
	if _, err := Apply(pool, path); err != nil {
		t.Fatal(err)
	}
	lots, _ := pool.Lots(resourcepool.LotOptions{ResourceType: "water"})
	if lots[0].Available != 70 || lots[0].Reserved != 30 {
		t.Errorf("lot = available %d reserved %d, want 70/30", lots[0].Available, lots[0].Reserved)
	}
}

func TestApply_RejectsIncompleteLot(t *testing.T) {
	pool := openTestPool(t)
	path := filepath.Join(t.TempDir(), "stock.toml")
	os.WriteFile(path, []byte("[[lots]]\ntotal = 5\n"), 0644)

	if _, err := Apply(pool, path); err == nil {
		t.Error("expected error for lot without type and location")
	}
}

func TestWatcher_ReappliesOnChange(t *testing.T) {
	pool := openTestPool(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "stock.toml")
	if err := os.WriteFile(path, []byte(stockSheet), 0644); err != nil {
		t.Fatal(err)
	}

	applied := make(chan int, 4)
	w, err := NewWatcher(pool, path, func(n int) { applied <- n })
	if err != nil {
		t.Fatal(err)
	}
	w.SetDebounce(10 * time.Millisecond)
	defer w.Stop()

	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Initial application happens on Start.
	select {
	case n := <-applied:
		if n != 2 {
			t.Errorf("initial apply = %d lots, want 2", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("initial apply did not happen")
	}

	// Edit the sheet: water doubles.
	updated := `
[[lots]]
resource_type = "water"
location = "north"
total = 200
threshold = 10
`
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-applied:
	case <-time.After(2 * time.Second):
		t.Fatal("edit was not applied")
	}

	lots, err := pool.Lots(resourcepool.LotOptions{ResourceType: "water"})
	if err != nil {
		t.Fatal(err)
	}
	if lots[0].Total != 200 {
		t.Errorf("water total = %d, want 200", lots[0].Total)
	}
}
