package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nous-labs/modelswitch/pkg/events"
)

const pruneTimeout = 2 * time.Minute

// UsagePruner deletes usage facts older than maxAgeDays. prefs.Store
// satisfies it.
type UsagePruner interface {
	PruneUsage(ctx context.Context, maxAgeDays int) (int64, error)
}

// Pruner runs usage retention on a cron schedule.
type Pruner struct {
	store      UsagePruner
	maxAgeDays int
	schedule   string
	bus        *events.Bus
	cron       *cron.Cron

	mu      sync.Mutex
	lastRun time.Time
	lastN   int64
}

// NewPruner validates schedule ("@daily", "0 3 * * *", ...) and returns a
// stopped Pruner.
func NewPruner(store UsagePruner, schedule string, maxAgeDays int, bus *events.Bus) (*Pruner, error) {
	if maxAgeDays <= 0 {
		maxAgeDays = 90
	}
	p := &Pruner{
		store:      store,
		maxAgeDays: maxAgeDays,
		schedule:   schedule,
		bus:        bus,
		cron:       cron.New(),
	}
	if _, err := p.cron.AddFunc(schedule, p.run); err != nil {
		return nil, fmt.Errorf("prune schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Start begins the schedule in the background.
func (p *Pruner) Start() {
	slog.Info("usage prune scheduled", "schedule", p.schedule, "max_age_days", p.maxAgeDays)
	p.cron.Start()
}

// Stop stops the schedule and waits for a running prune to finish.
func (p *Pruner) Stop() {
	<-p.cron.Stop().Done()
}

func (p *Pruner) run() {
	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()
	if _, err := p.PruneOnce(ctx); err != nil {
		slog.Warn("usage prune failed", "error", err)
	}
}

// PruneOnce deletes expired usage rows now.
func (p *Pruner) PruneOnce(ctx context.Context) (int64, error) {
	n, err := p.store.PruneUsage(ctx, p.maxAgeDays)
	if err != nil {
		p.bus.Publish(events.Event{Type: events.TypeError, Message: "usage prune: " + err.Error()})
		return 0, err
	}

	p.mu.Lock()
	p.lastRun = time.Now()
	p.lastN = n
	p.mu.Unlock()

	if n > 0 {
		slog.Info("usage pruned", "deleted", n, "max_age_days", p.maxAgeDays)
	}
	return n, nil
}

// LastRun reports when the last successful prune ran and what it deleted.
func (p *Pruner) LastRun() (time.Time, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRun, p.lastN
}
