package playbook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/responder/internal/entity"
	"github.com/sentinelops/responder/internal/notifier"
	"github.com/sentinelops/responder/internal/orcerr"
	"github.com/sentinelops/responder/pkg/audit"
	"github.com/sentinelops/responder/pkg/logger"
	"github.com/sentinelops/responder/pkg/models"
)

func testConfig() Config {
	return Config{
		DefaultTimeout: 2 * time.Second,
		RetryBaseDelay: 5 * time.Millisecond,
		PauseInterval:  5 * time.Millisecond,
	}
}

func newTestRunner(t *testing.T, defs ...*Definition) (*Runner, *audit.MemorySink) {
	t.Helper()
	registry := NewRegistry()
	for _, def := range defs {
		require.NoError(t, registry.Register(def))
	}
	sink := audit.NewMemorySink(100)
	log := logger.New("error", "text")
	return NewRunner(testConfig(), registry, sink, log), sink
}

func waitForTerminal(t *testing.T, r *Runner, executionID string) *Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := r.GetExecution(executionID)
		require.NoError(t, err)
		if exec.Status.Terminal() {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached a terminal status", executionID)
	return nil
}

func TestRunnerDependencyOrdering(t *testing.T) {
	def := &Definition{
		ID:   "contain-host",
		Name: "Contain Host",
		Actions: []Action{
			{ID: "isolate", Name: "Isolate", Kind: "record"},
			{ID: "collect", Name: "Collect", Kind: "record", DependsOn: []string{"isolate"}},
			{ID: "close", Name: "Close", Kind: "record", DependsOn: []string{"collect"}},
		},
	}
	runner, _ := newTestRunner(t, def)

	var mu sync.Mutex
	var order []string
	runner.RegisterExecutor("record", func(_ context.Context, ac ActionContext) (map[string]any, error) {
		mu.Lock()
		order = append(order, ac.Action.ID)
		mu.Unlock()
		return nil, nil
	})

	id, err := runner.Start(context.Background(), "contain-host", "analyst-1", "case-1", nil)
	require.NoError(t, err)

	exec := waitForTerminal(t, runner, id)
	assert.Equal(t, StatusCompleted, exec.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"isolate", "collect", "close"}, order)
}

func TestRunnerParallelFanOut(t *testing.T) {
	def := &Definition{
		ID:   "broad-sweep",
		Name: "Broad Sweep",
		Actions: []Action{
			{ID: "a", Kind: "slow", Parallel: true},
			{ID: "b", Kind: "slow", Parallel: true},
			{ID: "c", Kind: "slow", Parallel: true},
		},
	}
	runner, _ := newTestRunner(t, def)

	var mu sync.Mutex
	inflight, peak := 0, 0
	runner.RegisterExecutor("slow", func(_ context.Context, _ ActionContext) (map[string]any, error) {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		inflight--
		mu.Unlock()
		return nil, nil
	})

	id, err := runner.Start(context.Background(), "broad-sweep", "analyst-1", "case-1", nil)
	require.NoError(t, err)

	exec := waitForTerminal(t, runner, id)
	assert.Equal(t, StatusCompleted, exec.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, peak, 1, "parallel actions should overlap")
}

func TestRunnerRetriesThenFails(t *testing.T) {
	def := &Definition{
		ID:   "flaky",
		Name: "Flaky",
		Actions: []Action{
			{ID: "hit-api", Kind: "fail", RetryOnFailure: true, MaxRetries: 2},
		},
	}
	runner, _ := newTestRunner(t, def)

	var mu sync.Mutex
	attempts := 0
	runner.RegisterExecutor("fail", func(_ context.Context, _ ActionContext) (map[string]any, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("upstream timeout")
	})

	id, err := runner.Start(context.Background(), "flaky", "analyst-1", "case-1", nil)
	require.NoError(t, err)

	exec := waitForTerminal(t, runner, id)
	assert.Equal(t, StatusFailed, exec.Status)

	result := exec.Results["hit-api"]
	assert.Equal(t, ActionFailed, result.Status)
	assert.Equal(t, 2, result.RetryCount)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts, "one initial attempt plus MaxRetries")
}

func TestRunnerRetrySucceedsEventually(t *testing.T) {
	def := &Definition{
		ID:   "flaky-ok",
		Name: "Flaky OK",
		Actions: []Action{
			{ID: "hit-api", Kind: "flaky", RetryOnFailure: true, MaxRetries: 3},
		},
	}
	runner, _ := newTestRunner(t, def)

	var mu sync.Mutex
	attempts := 0
	runner.RegisterExecutor("flaky", func(_ context.Context, _ ActionContext) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return map[string]any{"ok": true}, nil
	})

	id, err := runner.Start(context.Background(), "flaky-ok", "analyst-1", "case-1", nil)
	require.NoError(t, err)

	exec := waitForTerminal(t, runner, id)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, ActionSuccess, exec.Results["hit-api"].Status)
	assert.Equal(t, 2, exec.Results["hit-api"].RetryCount)
}

func TestRunnerSkipsDependentsOfFailedAction(t *testing.T) {
	def := &Definition{
		ID:   "chain",
		Name: "Chain",
		Actions: []Action{
			{ID: "first", Kind: "fail"},
			{ID: "second", Kind: "ok", DependsOn: []string{"first"}},
			{ID: "third", Kind: "ok", DependsOn: []string{"second"}},
			{ID: "independent", Kind: "ok"},
		},
	}
	runner, _ := newTestRunner(t, def)
	runner.RegisterExecutor("fail", func(_ context.Context, _ ActionContext) (map[string]any, error) {
		return nil, errors.New("boom")
	})
	runner.RegisterExecutor("ok", func(_ context.Context, _ ActionContext) (map[string]any, error) {
		return nil, nil
	})

	id, err := runner.Start(context.Background(), "chain", "analyst-1", "case-1", nil)
	require.NoError(t, err)

	exec := waitForTerminal(t, runner, id)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, ActionFailed, exec.Results["first"].Status)
	assert.Equal(t, ActionSkipped, exec.Results["second"].Status)
	assert.Equal(t, ActionSkipped, exec.Results["third"].Status)
	assert.Equal(t, ActionSuccess, exec.Results["independent"].Status)
	assert.NotEmpty(t, exec.Errors)
}

func TestRunnerStallsOnDependencyCycle(t *testing.T) {
	// Registration only checks that dependencies exist, so a cycle
	// has to be caught at run time.
	def := &Definition{
		ID:   "cyclic",
		Name: "Cyclic",
		Actions: []Action{
			{ID: "a", Kind: "ok", DependsOn: []string{"b"}},
			{ID: "b", Kind: "ok", DependsOn: []string{"a"}},
		},
	}
	runner, _ := newTestRunner(t, def)
	runner.RegisterExecutor("ok", func(_ context.Context, _ ActionContext) (map[string]any, error) {
		return nil, nil
	})

	id, err := runner.Start(context.Background(), "cyclic", "analyst-1", "case-1", nil)
	require.NoError(t, err)

	exec := waitForTerminal(t, runner, id)
	assert.Equal(t, StatusFailed, exec.Status)
	require.NotEmpty(t, exec.Errors)
	assert.Contains(t, exec.Errors[0], "stalled")
}

func TestRunnerUnknownExecutorFailsAction(t *testing.T) {
	def := &Definition{
		ID:      "mystery",
		Name:    "Mystery",
		Actions: []Action{{ID: "x", Kind: "does-not-exist"}},
	}
	runner, _ := newTestRunner(t, def)

	id, err := runner.Start(context.Background(), "mystery", "analyst-1", "case-1", nil)
	require.NoError(t, err)

	exec := waitForTerminal(t, runner, id)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.Results["x"].Error, "no executor registered")
}

func TestRunnerActionTimeout(t *testing.T) {
	def := &Definition{
		ID:   "slowpoke",
		Name: "Slowpoke",
		Actions: []Action{
			{ID: "hang", Kind: "hang", Timeout: 20 * time.Millisecond},
		},
	}
	runner, _ := newTestRunner(t, def)
	runner.RegisterExecutor("hang", func(ctx context.Context, _ ActionContext) (map[string]any, error) {
		select {
		case <-time.After(time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	id, err := runner.Start(context.Background(), "slowpoke", "analyst-1", "case-1", nil)
	require.NoError(t, err)

	exec := waitForTerminal(t, runner, id)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, ActionFailed, exec.Results["hang"].Status)
}

func TestRunnerPauseHoldsNextDispatch(t *testing.T) {
	def := &Definition{
		ID:   "two-step",
		Name: "Two Step",
		Actions: []Action{
			{ID: "first", Kind: "gated"},
			{ID: "second", Kind: "gated", DependsOn: []string{"first"}},
		},
	}
	runner, _ := newTestRunner(t, def)

	release := make(chan struct{})
	started := make(chan string, 2)
	runner.RegisterExecutor("gated", func(_ context.Context, ac ActionContext) (map[string]any, error) {
		started <- ac.Action.ID
		<-release
		return nil, nil
	})

	id, err := runner.Start(context.Background(), "two-step", "analyst-1", "case-1", nil)
	require.NoError(t, err)

	require.Equal(t, "first", <-started)
	require.NoError(t, runner.Pause(context.Background(), id, "analyst-1"))
	release <- struct{}{}

	select {
	case got := <-started:
		t.Fatalf("action %s dispatched while paused", got)
	case <-time.After(100 * time.Millisecond):
	}

	exec, err := runner.GetExecution(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, exec.Status)
	assert.Equal(t, ActionPending, exec.Results["second"].Status)

	require.NoError(t, runner.Resume(context.Background(), id, "analyst-1"))
	require.Equal(t, "second", <-started)
	release <- struct{}{}

	exec = waitForTerminal(t, runner, id)
	assert.Equal(t, StatusCompleted, exec.Status)
}

func TestRunnerPauseRequiresRunning(t *testing.T) {
	def := &Definition{
		ID:      "quick",
		Name:    "Quick",
		Actions: []Action{{ID: "a", Kind: "ok"}},
	}
	runner, _ := newTestRunner(t, def)
	runner.RegisterExecutor("ok", func(_ context.Context, _ ActionContext) (map[string]any, error) {
		return nil, nil
	})

	id, err := runner.Start(context.Background(), "quick", "analyst-1", "case-1", nil)
	require.NoError(t, err)
	waitForTerminal(t, runner, id)

	err = runner.Pause(context.Background(), id, "analyst-1")
	assert.True(t, orcerr.IsValidation(err))

	err = runner.Resume(context.Background(), "missing", "analyst-1")
	assert.True(t, orcerr.IsNotFound(err))
}

func TestRunnerRollback(t *testing.T) {
	def := &Definition{
		ID:   "with-rollback",
		Name: "With Rollback",
		Actions: []Action{
			{ID: "deploy", Kind: "ok"},
		},
		Rollback: []Action{
			{ID: "undo-deploy", Kind: "record"},
		},
	}
	runner, sink := newTestRunner(t, def)

	var mu sync.Mutex
	var rolled []string
	runner.RegisterExecutor("ok", func(_ context.Context, _ ActionContext) (map[string]any, error) {
		return nil, nil
	})
	runner.RegisterExecutor("record", func(_ context.Context, ac ActionContext) (map[string]any, error) {
		mu.Lock()
		rolled = append(rolled, ac.Action.ID)
		mu.Unlock()
		return nil, nil
	})

	id, err := runner.Start(context.Background(), "with-rollback", "analyst-1", "case-1", nil)
	require.NoError(t, err)
	waitForTerminal(t, runner, id)

	require.NoError(t, runner.Rollback(context.Background(), id, "analyst-2", "bad change"))

	exec, err := runner.GetExecution(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, exec.Status)
	assert.Equal(t, ActionSuccess, exec.Results["undo-deploy"].Status)

	mu.Lock()
	assert.Equal(t, []string{"undo-deploy"}, rolled)
	mu.Unlock()

	assert.NotEmpty(t, sink.ByAction("playbook.execution.rolled_back"))
}

func TestRunnerRollbackValidation(t *testing.T) {
	def := &Definition{
		ID:      "no-rollback",
		Name:    "No Rollback",
		Actions: []Action{{ID: "a", Kind: "ok"}},
	}
	runner, _ := newTestRunner(t, def)
	runner.RegisterExecutor("ok", func(_ context.Context, _ ActionContext) (map[string]any, error) {
		return nil, nil
	})

	err := runner.Rollback(context.Background(), "missing", "analyst-1", "")
	assert.True(t, orcerr.IsNotFound(err))

	id, err := runner.Start(context.Background(), "no-rollback", "analyst-1", "case-1", nil)
	require.NoError(t, err)
	waitForTerminal(t, runner, id)

	err = runner.Rollback(context.Background(), id, "analyst-1", "")
	assert.True(t, orcerr.IsValidation(err))
}

func TestRunnerParameterOverrides(t *testing.T) {
	def := &Definition{
		ID:   "param",
		Name: "Param",
		Actions: []Action{
			{ID: "a", Kind: "echo", Parameters: map[string]any{"target": "default-host", "mode": "soft"}},
		},
	}
	runner, _ := newTestRunner(t, def)

	var mu sync.Mutex
	var seen map[string]any
	runner.RegisterExecutor("echo", func(_ context.Context, ac ActionContext) (map[string]any, error) {
		mu.Lock()
		seen = ac.Params
		mu.Unlock()
		return nil, nil
	})

	id, err := runner.Start(context.Background(), "param", "analyst-1", "case-1",
		map[string]any{"target": "host-42"})
	require.NoError(t, err)
	waitForTerminal(t, runner, id)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "host-42", seen["target"])
	assert.Equal(t, "soft", seen["mode"])
}

func TestRunnerStartUnknownPlaybook(t *testing.T) {
	runner, _ := newTestRunner(t)
	_, err := runner.Start(context.Background(), "nope", "analyst-1", "case-1", nil)
	assert.True(t, orcerr.IsNotFound(err))
}

func TestRunnerListExecutions(t *testing.T) {
	def := &Definition{
		ID:      "listing",
		Name:    "Listing",
		Actions: []Action{{ID: "a", Kind: "ok"}},
	}
	runner, _ := newTestRunner(t, def)
	runner.RegisterExecutor("ok", func(_ context.Context, _ ActionContext) (map[string]any, error) {
		return nil, nil
	})

	for i := 0; i < 3; i++ {
		id, err := runner.Start(context.Background(), "listing", "analyst-1", fmt.Sprintf("case-%d", i), nil)
		require.NoError(t, err)
		waitForTerminal(t, runner, id)
	}

	assert.Len(t, runner.ListExecutions("listing"), 3)
	assert.Empty(t, runner.ListExecutions("other"))
	assert.Len(t, runner.ListExecutions(""), 3)
}

func TestRunnerAuditTrail(t *testing.T) {
	def := &Definition{
		ID:      "audited",
		Name:    "Audited",
		Actions: []Action{{ID: "a", Kind: "ok"}},
	}
	runner, sink := newTestRunner(t, def)
	runner.RegisterExecutor("ok", func(_ context.Context, _ ActionContext) (map[string]any, error) {
		return nil, nil
	})

	id, err := runner.Start(context.Background(), "audited", "analyst-7", "case-9", nil)
	require.NoError(t, err)
	waitForTerminal(t, runner, id)

	started := sink.ByAction("playbook.execution.started")
	require.Len(t, started, 1)
	assert.Equal(t, "analyst-7", started[0].Actor)
	assert.Equal(t, id, started[0].ResourceID)
	assert.Len(t, sink.ByAction("playbook.execution.completed"), 1)
}

func TestBuiltinExecutors(t *testing.T) {
	def := &Definition{
		ID:   "builtin",
		Name: "Builtin",
		Actions: []Action{
			{ID: "escalate", Kind: KindSetPriority, Parameters: map[string]any{"priority": "HIGH"}},
			{ID: "assign", Kind: KindReassign, Parameters: map[string]any{"assignee": "tier2"}, DependsOn: []string{"escalate"}},
			{ID: "tell", Kind: KindNotify, Parameters: map[string]any{"recipients": []string{"soc@example.com"}}, DependsOn: []string{"assign"}},
			{ID: "quarantine", Kind: KindIsolateHost, Parameters: map[string]any{"host": "ws-0042"}},
		},
	}
	runner, _ := newTestRunner(t, def)

	store := entity.NewMemoryStore()
	store.Put(&models.Case{ID: "case-5", Title: "Phish", Priority: models.PriorityMedium, Status: models.CaseStatusOpen})
	recorder := notifier.NewRecorder()
	RegisterBuiltins(runner, recorder, store)

	id, err := runner.Start(context.Background(), "builtin", "analyst-1", "case-5", nil)
	require.NoError(t, err)

	exec := waitForTerminal(t, runner, id)
	require.Equal(t, StatusCompleted, exec.Status)

	c, err := store.GetCase(context.Background(), "case-5")
	require.NoError(t, err)
	assert.Equal(t, models.PriorityHigh, c.Priority)
	assert.Equal(t, "tier2", c.Assignee)

	require.Len(t, recorder.Sent(), 1)
	assert.Equal(t, "ws-0042", exec.Results["quarantine"].Output["host"])
}

func TestRegistryValidation(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(&Definition{ID: "", Name: "x", Actions: []Action{{ID: "a", Kind: "k"}}})
	assert.True(t, orcerr.IsValidation(err))

	err = reg.Register(&Definition{ID: "empty", Name: "x"})
	assert.True(t, orcerr.IsValidation(err))

	err = reg.Register(&Definition{ID: "dup", Name: "x", Actions: []Action{
		{ID: "a", Kind: "k"}, {ID: "a", Kind: "k"},
	}})
	assert.True(t, orcerr.IsValidation(err))

	err = reg.Register(&Definition{ID: "badref", Name: "x", Actions: []Action{
		{ID: "a", Kind: "k", DependsOn: []string{"ghost"}},
	}})
	assert.True(t, orcerr.IsValidation(err))

	require.NoError(t, reg.Register(&Definition{ID: "good", Name: "x", Actions: []Action{
		{ID: "a", Kind: "k"},
	}}))
	_, err = reg.Get("good")
	assert.NoError(t, err)
	assert.Len(t, reg.List(), 1)
}
