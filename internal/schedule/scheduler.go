// Package schedule runs recurring, one-time and delayed maintenance
// tasks for the orchestration core.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/sentinelops/responder/internal/orcerr"
	"github.com/sentinelops/responder/pkg/audit"
	"github.com/sentinelops/responder/pkg/logger"
)

// TaskType classifies scheduled tasks.
type TaskType string

const (
	TaskRecurring TaskType = "RECURRING"
	TaskOneTime   TaskType = "ONE_TIME"
	TaskDelayed   TaskType = "DELAYED"
)

// HandlerFunc runs one scheduled task invocation.
type HandlerFunc func(ctx context.Context, task *Task) error

// Task is one scheduled unit of work.
type Task struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Type TaskType `json:"type"`

	// Schedule is a cron expression ("0 9 * * *") or descriptor
	// ("@every 5m") for RECURRING tasks.
	Schedule string `json:"schedule,omitempty"`
	// RunAt is the single firing time of a ONE_TIME task.
	RunAt time.Time `json:"run_at,omitempty"`
	// Delay offsets a DELAYED task from the moment it is added.
	Delay time.Duration `json:"delay,omitempty"`

	Handler    string         `json:"handler"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Enabled    bool           `json:"enabled"`

	LastRun      *time.Time `json:"last_run,omitempty"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	RunCount     int        `json:"run_count"`
	FailureCount int        `json:"failure_count"`
}

// ExecutionStatus is the outcome of one task run.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailed  ExecutionStatus = "FAILED"
)

// Execution records one task run.
type Execution struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	Status      ExecutionStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Scheduler fires tasks from their own timers. Failures are counted but
// never unschedule a recurring task.
type Scheduler struct {
	sink audit.Sink
	log  *logger.Logger

	parser cron.Parser

	mu         sync.Mutex
	tasks      map[string]*Task
	schedules  map[string]cron.Schedule
	timers     map[string]*time.Timer
	executions []Execution
	maxHistory int
	stopped    bool

	hmu      sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewScheduler creates a stopped-clean scheduler.
func NewScheduler(sink audit.Sink, log *logger.Logger) *Scheduler {
	return &Scheduler{
		sink: sink,
		log:  log.WithComponent("task-scheduler"),
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
		tasks:      make(map[string]*Task),
		schedules:  make(map[string]cron.Schedule),
		timers:     make(map[string]*time.Timer),
		maxHistory: 1000,
		handlers:   make(map[string]HandlerFunc),
	}
}

// RegisterHandler binds a handler name usable by tasks.
func (s *Scheduler) RegisterHandler(name string, fn HandlerFunc) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.handlers[name] = fn
}

// AddTask validates, stores and (if enabled) arms a task. The task id is
// generated when empty.
func (s *Scheduler) AddTask(task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Handler == "" {
		return orcerr.Validation("task %s has no handler", task.ID)
	}
	s.hmu.RLock()
	_, known := s.handlers[task.Handler]
	s.hmu.RUnlock()
	if !known {
		return orcerr.Validation("task %s references unknown handler %q", task.ID, task.Handler)
	}

	var sched cron.Schedule
	switch task.Type {
	case TaskRecurring:
		if task.Schedule == "" {
			return orcerr.Validation("recurring task %s has no schedule", task.ID)
		}
		parsed, err := s.parser.Parse(task.Schedule)
		if err != nil {
			return orcerr.Validation("recurring task %s has invalid schedule %q: %v", task.ID, task.Schedule, err)
		}
		sched = parsed
	case TaskOneTime:
		if task.RunAt.IsZero() {
			return orcerr.Validation("one-time task %s has no run_at", task.ID)
		}
	case TaskDelayed:
		if task.Delay <= 0 {
			return orcerr.Validation("delayed task %s has no delay", task.ID)
		}
	default:
		return orcerr.Validation("task %s has unknown type %q", task.ID, task.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return orcerr.Validation("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = task
	if sched != nil {
		s.schedules[task.ID] = sched
	}
	if task.Enabled {
		s.armLocked(task)
	}
	s.log.Info("task added", "task_id", task.ID, "name", task.Name, "type", task.Type)
	return nil
}

// RemoveTask stops and deletes a task.
func (s *Scheduler) RemoveTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return orcerr.NotFound("task", taskID)
	}
	s.disarmLocked(taskID)
	delete(s.tasks, taskID)
	delete(s.schedules, taskID)
	return nil
}

// Enable arms a disabled task.
func (s *Scheduler) Enable(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return orcerr.NotFound("task", taskID)
	}
	if task.Enabled {
		return nil
	}
	task.Enabled = true
	s.armLocked(task)
	return nil
}

// Disable stops a task's pending timer; a run already in flight finishes.
func (s *Scheduler) Disable(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return orcerr.NotFound("task", taskID)
	}
	task.Enabled = false
	task.NextRun = nil
	s.disarmLocked(taskID)
	return nil
}

// GetTask returns a copy of the task.
func (s *Scheduler) GetTask(taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, orcerr.NotFound("task", taskID)
	}
	cp := *task
	return &cp, nil
}

// ListTasks returns copies of all tasks.
func (s *Scheduler) ListTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		cp := *task
		out = append(out, &cp)
	}
	return out
}

// History returns recorded executions, newest last, optionally filtered
// by task id.
func (s *Scheduler) History(taskID string) []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Execution
	for _, e := range s.executions {
		if taskID == "" || e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

// RunNow fires the task immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return orcerr.NotFound("task", taskID)
	}
	s.execute(ctx, task)
	return nil
}

// Stop disarms every timer. Tasks stay registered; a fresh scheduler is
// needed to run them again.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id := range s.timers {
		s.disarmLocked(id)
	}
}

// armLocked schedules the task's next firing. Caller holds s.mu.
func (s *Scheduler) armLocked(task *Task) {
	if s.stopped {
		return
	}

	var next time.Time
	now := time.Now()
	switch task.Type {
	case TaskRecurring:
		next = s.schedules[task.ID].Next(now)
	case TaskOneTime:
		next = task.RunAt
	case TaskDelayed:
		next = now.Add(task.Delay)
	}

	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	task.NextRun = &next

	id := task.ID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.fire(id)
	})
}

// disarmLocked stops a pending timer. Caller holds s.mu.
func (s *Scheduler) disarmLocked(taskID string) {
	if t, ok := s.timers[taskID]; ok {
		t.Stop()
		delete(s.timers, taskID)
	}
}

// fire runs a due task and re-arms it when recurring.
func (s *Scheduler) fire(taskID string) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok || !task.Enabled || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, taskID)
	s.mu.Unlock()

	s.execute(context.Background(), task)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || !task.Enabled {
		return
	}
	switch task.Type {
	case TaskRecurring:
		s.armLocked(task)
	default:
		// One-shot tasks stay registered but do not run again.
		task.Enabled = false
		task.NextRun = nil
	}
}

func (s *Scheduler) execute(ctx context.Context, task *Task) {
	s.hmu.RLock()
	fn := s.handlers[task.Handler]
	s.hmu.RUnlock()

	started := time.Now()
	var err error
	if fn == nil {
		err = fmt.Errorf("handler %q not registered", task.Handler)
	} else {
		err = fn(ctx, task)
	}
	completed := time.Now()

	exec := Execution{
		ID:          uuid.New().String(),
		TaskID:      task.ID,
		Status:      ExecutionSuccess,
		StartedAt:   started,
		CompletedAt: completed,
	}
	if err != nil {
		exec.Status = ExecutionFailed
		exec.Error = err.Error()
	}

	s.mu.Lock()
	task.LastRun = &started
	task.RunCount++
	if err != nil {
		task.FailureCount++
	}
	s.executions = append(s.executions, exec)
	if len(s.executions) > s.maxHistory {
		s.executions = s.executions[len(s.executions)-s.maxHistory:]
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("task run failed", "task_id", task.ID, "name", task.Name, "error", err)
		s.sink.Log(ctx, "scheduler", "task.run.failed", map[string]any{
			"name":  task.Name,
			"error": err.Error(),
		}, task.ID)
		return
	}
	s.log.Debug("task run completed", "task_id", task.ID, "name", task.Name)
}
