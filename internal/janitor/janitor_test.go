package janitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/garyellow/linebot-imagelab/internal/logger"
	"github.com/garyellow/linebot-imagelab/internal/metrics"
	"github.com/garyellow/linebot-imagelab/internal/session"
	"github.com/garyellow/linebot-imagelab/internal/session/sessiontest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepSessions(t *testing.T) {
	t.Parallel()

	store := sessiontest.New()
	now := time.Now()
	store.Put(session.Session{UserID: "Uold", Feature: "colorize", State: session.StateWaitingImage, UpdatedAt: now.Add(-48 * time.Hour)})
	store.Put(session.Session{UserID: "Unew", Feature: "edit", State: session.StateWaitingImage, UpdatedAt: now})

	m := metrics.New(prometheus.NewRegistry())
	task := SweepSessions(store, 24*time.Hour, logger.New("error"), m)
	require.NoError(t, task(context.Background()))

	assert.Equal(t, 1, store.Len())
	sess, err := store.Get(context.Background(), "Unew")
	require.NoError(t, err)
	assert.NotNil(t, sess)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SessionsSweptTotal), 0)
}

type failingSweeper struct{}

func (failingSweeper) CleanupOlderThan(context.Context, time.Duration) (int64, error) {
	return 0, errors.New("database is locked")
}

func TestSweepSessions_Error(t *testing.T) {
	t.Parallel()

	err := SweepSessions(failingSweeper{}, time.Hour, nil, nil)(context.Background())
	assert.ErrorContains(t, err, "database is locked")
}

func TestSchedule_Validation(t *testing.T) {
	t.Parallel()

	s := New(nil, logger.New("error"), nil)
	assert.Error(t, s.Schedule("sweep", "every hour", 0, func(context.Context) error { return nil }))
	assert.Error(t, s.Schedule("sweep", "@hourly", 0, nil))
	assert.NoError(t, s.Schedule("sweep", "@hourly", 0, func(context.Context) error { return nil }))
	assert.NoError(t, s.Schedule("backup", "0 4 * * *", 0, func(context.Context) error { return nil }))
}

func TestRun_AppliesTimeout(t *testing.T) {
	t.Parallel()

	s := New(nil, logger.New("error"), nil)
	var deadline atomic.Bool
	s.run("probe", time.Minute, func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		deadline.Store(ok)
		return errors.New("ignored")
	})
	assert.True(t, deadline.Load())
}

func TestScheduler_RunsAndStops(t *testing.T) {
	t.Parallel()

	s := New(time.UTC, logger.New("error"), nil)
	var calls atomic.Int32
	require.NoError(t, s.Schedule("tick", "@every 1s", time.Second, func(context.Context) error {
		calls.Add(1)
		return nil
	}))
	s.Start()

	assert.Eventually(t, func() bool { return calls.Load() > 0 }, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Error(t, s.ctx.Err(), "running tasks see cancellation")
}
