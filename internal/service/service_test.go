package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/model"
	"github.com/chirino/contentpool/internal/optimizer"
	"github.com/chirino/contentpool/internal/service"
	"github.com/chirino/contentpool/internal/testutil/teststore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	mu     sync.Mutex
	phases []optimizer.Phase
	full   int
}

func (r *recordingRunner) RunPhase(_ context.Context, phase optimizer.Phase) optimizer.PhaseReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, phase)
	return optimizer.PhaseReport{Phase: phase, Success: true}
}

func (r *recordingRunner) RunFullOptimization(context.Context) optimizer.OptimizationReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.full++
	return optimizer.OptimizationReport{Success: true}
}

func TestSchedulerRejectsInvalidCron(t *testing.T) {
	_, err := service.NewOptimizerScheduler(&recordingRunner{}, config.Schedules{Cleanup: "every hour"})
	assert.ErrorContains(t, err, "invalid cleanup schedule")
}

func TestSchedulerDefaults(t *testing.T) {
	s, err := service.NewOptimizerScheduler(&recordingRunner{}, config.DefaultConfig().Schedules)
	require.NoError(t, err)
	assert.Equal(t, []string{service.JobCleanup, service.JobQuotas, service.JobFull}, s.Jobs())

	at := func(h, m int) time.Time { return time.Date(2026, 6, 1, h, m, 0, 0, time.UTC) }
	assert.ElementsMatch(t, []string{service.JobCleanup, service.JobQuotas, service.JobFull}, s.Due(at(3, 0)))
	assert.Equal(t, []string{service.JobQuotas}, s.Due(at(10, 45)))
	assert.Empty(t, s.Due(at(10, 7)))

	next, err := s.NextRun(service.JobFull, at(3, 0))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 2, 3, 0, 0, 0, time.UTC), next)

	next, err = s.NextRun(service.JobQuotas, at(10, 7))
	require.NoError(t, err)
	assert.Equal(t, at(10, 15), next)

	_, err = s.NextRun("vacuum", at(0, 0))
	assert.Error(t, err)
}

func TestSchedulerSkipsEmptySchedules(t *testing.T) {
	s, err := service.NewOptimizerScheduler(&recordingRunner{}, config.Schedules{Quotas: "*/5 * * * *"})
	require.NoError(t, err)
	assert.Equal(t, []string{service.JobQuotas}, s.Jobs())
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	s, err := service.NewOptimizerScheduler(&recordingRunner{}, config.DefaultConfig().Schedules)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestTaskProcessorDispatchesAndRetries(t *testing.T) {
	store, ctx := teststore.SQLite(t)
	require.NoError(t, store.CreateTask(ctx, "ok", map[string]interface{}{"n": "1"}))
	require.NoError(t, store.CreateTask(ctx, "flaky", map[string]interface{}{"n": "2"}))
	require.NoError(t, store.CreateTask(ctx, "mystery", map[string]interface{}{}))

	var seen []string
	p := service.NewTaskProcessor(store, time.Minute, time.Hour, 10).
		Handle("ok", func(_ context.Context, body map[string]any) error {
			seen = append(seen, body["n"].(string))
			return nil
		}).
		Handle("flaky", func(context.Context, map[string]any) error {
			return errors.New("backend unavailable")
		})

	assert.Equal(t, 1, p.ProcessBatch(ctx))
	assert.Equal(t, []string{"1"}, seen)

	// Failed tasks wait for their retry delay.
	assert.Equal(t, 0, p.ProcessBatch(ctx))

	var remaining []model.Task
	require.NoError(t, store.DB().WithContext(ctx).Order("task_type").Find(&remaining).Error)
	require.Len(t, remaining, 2)
	for _, task := range remaining {
		assert.Equal(t, 1, task.RetryCount)
		require.NotNil(t, task.LastError)
		assert.True(t, task.RetryAt.After(time.Now().Add(30*time.Minute)))
	}
	assert.Equal(t, "backend unavailable", *remaining[0].LastError)
	assert.Contains(t, *remaining[1].LastError, "unknown task type")
}
