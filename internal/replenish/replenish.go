package replenish

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"

	"github.com/reliefops/relief-orchestrator/internal/domain"
	"github.com/reliefops/relief-orchestrator/internal/resourcepool"
)

// StockFile is the TOML stock sheet operators edit to recharge lots.
type StockFile struct {
	Lots []StockLot `toml:"lots"`
}

// StockLot declares the target quantity and alert threshold of one lot.
type StockLot struct {
	ResourceType string `toml:"resource_type"`
	Location     string `toml:"location"`
	Total        int    `toml:"total"`
	Threshold    int    `toml:"threshold"`
}

// Apply parses a stock sheet and upserts every lot it declares.
// Returns the number of lots applied.
func Apply(pool *resourcepool.Pool, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading stock file: %w", err)
	}

	var stock StockFile
	if err := toml.Unmarshal(data, &stock); err != nil {
		return 0, fmt.Errorf("parsing stock file: %w", err)
	}

	for i, lot := range stock.Lots {
		if lot.ResourceType == "" || lot.Location == "" {
			return 0, fmt.Errorf("stock lot %d is missing resource_type or location", i)
		}
		err := pool.UpsertLot(&domain.ResourceLot{
			ResourceType: lot.ResourceType,
			Location:     lot.Location,
			Total:        lot.Total,
			Threshold:    lot.Threshold,
		})
		if err != nil {
			return 0, err
		}
	}
	return len(stock.Lots), nil
}

// Watcher applies the stock sheet on startup and re-applies it
// whenever the file changes, so stock replenishments take effect
// without restarting the orchestrator.
type Watcher struct {
	pool    *resourcepool.Pool
	path    string
	onApply func(lots int)

	watcher  *fsnotify.Watcher
	debounce time.Duration
	timer    *time.Timer
	mu       sync.Mutex
	cancel   context.CancelFunc
}

// NewWatcher creates a stock-sheet watcher. onApply is called after
// each successful application (nil is fine).
func NewWatcher(pool *resourcepool.Pool, path string, onApply func(lots int)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		pool:     pool,
		path:     path,
		onApply:  onApply,
		watcher:  fw,
		debounce: 500 * time.Millisecond, // editors write in bursts
	}, nil
}

// SetDebounce sets the debounce window for batching file events.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start applies the sheet once, then watches it for changes. The
// containing directory is watched because editors commonly replace the
// file instead of writing it in place.
func (w *Watcher) Start(ctx context.Context) error {
	w.apply()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", w.path, err)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.Printf("stock watcher: %v", err)
			}
		}
	}()
	return nil
}

// Stop stops watching.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.apply)
}

func (w *Watcher) apply() {
	n, err := Apply(w.pool, w.path)
	if err != nil {
		log.Printf("applying stock file: %v", err)
		return
	}
	log.Printf("stock file applied: %d lots", n)
	if w.onApply != nil {
		w.onApply(n)
	}
}
