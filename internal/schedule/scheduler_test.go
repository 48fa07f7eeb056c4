package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/responder/internal/orcerr"
	"github.com/sentinelops/responder/pkg/audit"
	"github.com/sentinelops/responder/pkg/logger"
)

func newTestScheduler(t *testing.T) (*Scheduler, *audit.MemorySink) {
	t.Helper()
	sink := audit.NewMemorySink(100)
	s := NewScheduler(sink, logger.New("error", "text"))
	t.Cleanup(s.Stop)
	return s, sink
}

type counter struct {
	mu   sync.Mutex
	runs int
	err  error
}

func (c *counter) handler(_ context.Context, _ *Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
	return c.err
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

func waitForRuns(t *testing.T, c *counter, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.count() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("handler ran %d times, wanted at least %d", c.count(), want)
}

func TestAddTaskValidation(t *testing.T) {
	s, _ := newTestScheduler(t)
	c := &counter{}
	s.RegisterHandler("noop", c.handler)

	tests := []struct {
		name string
		task *Task
	}{
		{"no handler", &Task{Type: TaskRecurring, Schedule: "@every 1m"}},
		{"unknown handler", &Task{Type: TaskRecurring, Schedule: "@every 1m", Handler: "ghost"}},
		{"recurring without schedule", &Task{Type: TaskRecurring, Handler: "noop"}},
		{"bad cron expression", &Task{Type: TaskRecurring, Schedule: "not cron", Handler: "noop"}},
		{"one-time without run_at", &Task{Type: TaskOneTime, Handler: "noop"}},
		{"delayed without delay", &Task{Type: TaskDelayed, Handler: "noop"}},
		{"unknown type", &Task{Type: "WEIRD", Handler: "noop"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := s.AddTask(tc.task)
			assert.True(t, orcerr.IsValidation(err))
		})
	}

	task := &Task{Name: "cleanup", Type: TaskRecurring, Schedule: "0 9 * * *", Handler: "noop"}
	require.NoError(t, s.AddTask(task))
	assert.NotEmpty(t, task.ID)
	assert.True(t, orcerr.IsValidation(s.AddTask(task)), "duplicate id rejected")
}

func TestRecurringTaskRuns(t *testing.T) {
	s, _ := newTestScheduler(t)
	c := &counter{}
	s.RegisterHandler("tick", c.handler)

	task := &Task{Name: "tick", Type: TaskRecurring, Schedule: "@every 1s", Handler: "tick", Enabled: true}
	require.NoError(t, s.AddTask(task))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)

	waitForRuns(t, c, 2)

	got, err = s.GetTask(task.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.RunCount, 2)
	assert.NotNil(t, got.LastRun)
	assert.True(t, got.Enabled, "recurring tasks stay enabled")
}

func TestOneTimeTaskRunsOnce(t *testing.T) {
	s, _ := newTestScheduler(t)
	c := &counter{}
	s.RegisterHandler("once", c.handler)

	task := &Task{
		Name:    "once",
		Type:    TaskOneTime,
		RunAt:   time.Now().Add(50 * time.Millisecond),
		Handler: "once",
		Enabled: true,
	}
	require.NoError(t, s.AddTask(task))

	waitForRuns(t, c, 1)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, c.count())

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRun)
	assert.Equal(t, 1, got.RunCount)
}

func TestDelayedTaskRunsAfterDelay(t *testing.T) {
	s, _ := newTestScheduler(t)
	c := &counter{}
	s.RegisterHandler("later", c.handler)

	start := time.Now()
	task := &Task{Name: "later", Type: TaskDelayed, Delay: 100 * time.Millisecond, Handler: "later", Enabled: true}
	require.NoError(t, s.AddTask(task))

	waitForRuns(t, c, 1)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestDisableStopsPendingRun(t *testing.T) {
	s, _ := newTestScheduler(t)
	c := &counter{}
	s.RegisterHandler("tick", c.handler)

	task := &Task{Name: "tick", Type: TaskRecurring, Schedule: "@every 1s", Handler: "tick", Enabled: true}
	require.NoError(t, s.AddTask(task))
	require.NoError(t, s.Disable(task.ID))

	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, 0, c.count())

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRun)

	require.NoError(t, s.Enable(task.ID))
	waitForRuns(t, c, 1)
}

func TestFailuresAreCountedNotFatal(t *testing.T) {
	s, sink := newTestScheduler(t)
	c := &counter{err: errors.New("downstream unavailable")}
	s.RegisterHandler("flaky", c.handler)

	task := &Task{Name: "flaky", Type: TaskRecurring, Schedule: "@every 1s", Handler: "flaky", Enabled: true}
	require.NoError(t, s.AddTask(task))

	waitForRuns(t, c, 2)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.FailureCount, 2)
	assert.True(t, got.Enabled, "failures never unschedule a recurring task")
	assert.NotEmpty(t, sink.ByAction("task.run.failed"))

	history := s.History(task.ID)
	require.NotEmpty(t, history)
	assert.Equal(t, ExecutionFailed, history[0].Status)
	assert.Contains(t, history[0].Error, "downstream unavailable")
}

func TestRunNow(t *testing.T) {
	s, _ := newTestScheduler(t)
	c := &counter{}
	s.RegisterHandler("manual", c.handler)

	task := &Task{Name: "manual", Type: TaskRecurring, Schedule: "0 9 * * *", Handler: "manual", Enabled: true}
	require.NoError(t, s.AddTask(task))

	require.NoError(t, s.RunNow(context.Background(), task.ID))
	assert.Equal(t, 1, c.count())

	history := s.History(task.ID)
	require.Len(t, history, 1)
	assert.Equal(t, ExecutionSuccess, history[0].Status)

	assert.True(t, orcerr.IsNotFound(s.RunNow(context.Background(), "missing")))
}

func TestRemoveTask(t *testing.T) {
	s, _ := newTestScheduler(t)
	c := &counter{}
	s.RegisterHandler("tick", c.handler)

	task := &Task{Name: "tick", Type: TaskRecurring, Schedule: "@every 1s", Handler: "tick", Enabled: true}
	require.NoError(t, s.AddTask(task))
	require.NoError(t, s.RemoveTask(task.ID))

	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, 0, c.count())

	_, err := s.GetTask(task.ID)
	assert.True(t, orcerr.IsNotFound(err))
	assert.True(t, orcerr.IsNotFound(s.RemoveTask(task.ID)))
}

func TestStopDisarmsEverything(t *testing.T) {
	s, _ := newTestScheduler(t)
	c := &counter{}
	s.RegisterHandler("tick", c.handler)

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, s.AddTask(&Task{
			Name: name, Type: TaskRecurring, Schedule: "@every 1s", Handler: "tick", Enabled: true,
		}))
	}
	s.Stop()

	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, 0, c.count())
	assert.Len(t, s.ListTasks(), 3, "tasks stay registered after Stop")
}
