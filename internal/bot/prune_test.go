package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/modelswitch/pkg/events"
	"github.com/nous-labs/modelswitch/pkg/prefs"
)

type brokenPruner struct{}

func (brokenPruner) PruneUsage(context.Context, int) (int64, error) {
	return 0, errors.New("disk full")
}

func TestPruneOnce(t *testing.T) {
	ctx := context.Background()
	store, err := prefs.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer store.Close()

	now := time.Now()
	for _, age := range []int{1, 10, 40, 400} {
		require.NoError(t, store.RecordUsage(ctx, prefs.UsageStat{
			ModelID: "openai/gpt-4o", TokensUsed: 1, Timestamp: now.AddDate(0, 0, -age),
		}))
	}

	p, err := NewPruner(store, "@daily", 30, nil)
	require.NoError(t, err)

	at, n := p.LastRun()
	assert.True(t, at.IsZero())
	assert.Zero(t, n)

	n, err = p.PruneOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	at, n = p.LastRun()
	assert.WithinDuration(t, time.Now(), at, 5*time.Second)
	assert.Equal(t, int64(2), n)

	usage, err := store.UsageSummary(ctx, now.AddDate(-5, 0, 0))
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, int64(2), usage[0].Requests)
}

func TestPruneFailurePublishes(t *testing.T) {
	bus := events.NewBus(10)
	p, err := NewPruner(brokenPruner{}, "0 3 * * *", 0, bus)
	require.NoError(t, err)
	assert.Equal(t, 90, p.maxAgeDays)

	_, err = p.PruneOnce(context.Background())
	assert.ErrorContains(t, err, "disk full")

	recent := bus.Recent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, events.TypeError, recent[0].Type)
	assert.Contains(t, recent[0].Message, "disk full")

	at, _ := p.LastRun()
	assert.True(t, at.IsZero(), "failed runs do not count")
}

func TestPrunerSchedule(t *testing.T) {
	_, err := NewPruner(brokenPruner{}, "not a schedule", 30, nil)
	assert.Error(t, err)

	p, err := NewPruner(brokenPruner{}, "@every 1h", 30, nil)
	require.NoError(t, err)
	p.Start()
	p.Stop()
}
