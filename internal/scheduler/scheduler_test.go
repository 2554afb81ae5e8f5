package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAdd_InvalidSpec(t *testing.T) {
	s := New(testLogger())
	err := s.Add(Job{Name: "bad", Spec: "not a cron spec", Run: func(context.Context) (int, error) { return 0, nil }})
	assert.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestAdd_RequiresSecondsField(t *testing.T) {
	s := New(testLogger())
	noop := func(context.Context) (int, error) { return 0, nil }

	require.NoError(t, s.Add(Job{Name: "hourly", Spec: "0 0 * * * *", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "five-field", Spec: "0 * * * *", Run: noop}))
	assert.Equal(t, 1, s.Len())
}

func TestRun_ExecutesJob(t *testing.T) {
	s := New(testLogger())
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{
		Name: "every-second",
		Spec: "* * * * * *",
		Run: func(ctx context.Context) (int, error) {
			runs.Add(1)
			return 1, nil
		},
	}))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestStop_CancelsRunningJob(t *testing.T) {
	s := New(testLogger())
	started := make(chan struct{}, 1)
	var cancelled atomic.Bool
	require.NoError(t, s.Add(Job{
		Name: "slow",
		Spec: "* * * * * *",
		Run: func(ctx context.Context) (int, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			cancelled.Store(true)
			return 0, ctx.Err()
		},
	}))

	s.Start()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}
	s.Stop()
	assert.True(t, cancelled.Load())
}
