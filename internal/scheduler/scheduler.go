package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// Runner is the re-entry hook into the conversation pipeline. The
// scheduler hands it a synthetic user message and drains the resulting
// stream; it neither inspects nor special-cases the response.
type Runner interface {
	Run(ctx context.Context, conversationID string, incoming *models.Message) (<-chan agent.StreamEvent, error)
}

// RunnerFunc adapts a function to a Runner.
type RunnerFunc func(ctx context.Context, conversationID string, incoming *models.Message) (<-chan agent.StreamEvent, error)

// Run executes the runner function.
func (f RunnerFunc) Run(ctx context.Context, conversationID string, incoming *models.Message) (<-chan agent.StreamEvent, error) {
	return f(ctx, conversationID, incoming)
}

// Task is the runtime state of one scheduled task. A zero NextRun means
// the task is disarmed and will not fire again.
type Task struct {
	Name           string
	Prompt         string
	ConversationID string
	Schedule       Schedule

	NextRun   time.Time
	LastRun   time.Time
	LastError string
}

// Scheduler drives scheduled tasks on a ticker and re-enters the
// pipeline through a Runner when they fire.
type Scheduler struct {
	runner       Runner
	logger       *slog.Logger
	metrics      *observability.Metrics
	now          func() time.Time
	tickInterval time.Duration
	runTimeout   time.Duration

	mu      sync.Mutex
	tasks   []*Task
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "scheduler")
		}
	}
}

// WithMetrics configures metrics recording for task firings.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the scheduler tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// WithRunTimeout bounds how long one task firing may run. Zero disables
// the bound.
func WithRunTimeout(timeout time.Duration) Option {
	return func(s *Scheduler) {
		if timeout >= 0 {
			s.runTimeout = timeout
		}
	}
}

// NewScheduler creates a scheduler over the given task definitions.
// Invalid or disabled entries are skipped with a warning.
func NewScheduler(runner Runner, tasks []models.ScheduledTask, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:       runner,
		logger:       slog.Default().With("component", "scheduler"),
		now:          time.Now,
		tickInterval: time.Second,
		runTimeout:   5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tasks = s.buildTasks(tasks)
	return s
}

// Replace swaps the task set for a freshly loaded one. Running firings
// finish against the old definitions.
func (s *Scheduler) Replace(tasks []models.ScheduledTask) {
	if s == nil {
		return
	}
	built := s.buildTasks(tasks)
	s.mu.Lock()
	s.tasks = built
	s.mu.Unlock()
	s.logger.Info("task definitions reloaded", "count", len(built))
}

func (s *Scheduler) buildTasks(defs []models.ScheduledTask) []*Task {
	now := s.now()
	tasks := make([]*Task, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		task, err := buildTask(def, now)
		if err != nil {
			s.logger.Warn("scheduled task skipped", "task", def.Name, "error", err)
			continue
		}
		if _, dup := seen[task.Name]; dup {
			s.logger.Warn("scheduled task skipped", "task", task.Name, "error", "duplicate name")
			continue
		}
		seen[task.Name] = struct{}{}
		tasks = append(tasks, task)
	}
	return tasks
}

func buildTask(def models.ScheduledTask, now time.Time) (*Task, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return nil, errors.New("task name required")
	}
	if def.Disabled {
		return nil, errors.New("task disabled")
	}
	if strings.TrimSpace(def.Prompt) == "" {
		return nil, errors.New("task prompt required")
	}
	schedule, err := ParseSchedule(def.Schedule)
	if err != nil {
		return nil, err
	}
	next, ok := schedule.Next(now)
	if !ok {
		return nil, errors.New("no next run scheduled")
	}
	return &Task{
		Name:           name,
		Prompt:         def.Prompt,
		ConversationID: strings.TrimSpace(def.ConversationID),
		Schedule:       schedule,
		NextRun:        next,
	}, nil
}

// Start begins firing tasks until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
}

// Stop waits for the scheduler loop and any in-flight firing to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce fires all due tasks immediately and returns how many fired.
// Primarily for tests.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	if s == nil {
		return 0
	}
	return s.runDue(ctx)
}

// Tasks returns a snapshot of the current task states.
func (s *Scheduler) Tasks() []Task {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, *task)
	}
	return out
}

// RunTask fires one task by name regardless of its schedule and then
// reschedules it as if it had fired normally.
func (s *Scheduler) RunTask(ctx context.Context, name string) error {
	if s == nil {
		return nil
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("task name required")
	}

	now := s.now()
	var target *Task
	s.mu.Lock()
	for _, task := range s.tasks {
		if task.Name == name {
			target = task
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return fmt.Errorf("task not found: %s", name)
	}
	target.LastRun = now
	s.mu.Unlock()

	err := s.fire(ctx, target)
	s.reschedule(target, now, err)
	return err
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	tasks := make([]*Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	count := 0
	for _, task := range tasks {
		s.mu.Lock()
		if task.NextRun.IsZero() || now.Before(task.NextRun) {
			s.mu.Unlock()
			continue
		}
		task.LastRun = now
		s.mu.Unlock()

		err := s.fire(ctx, task)
		if err != nil {
			s.logger.Warn("scheduled task failed", "task", task.Name, "error", err)
		}
		s.reschedule(task, now, err)
		count++
	}
	return count
}

// fire synthesizes the user message for one task and runs it through the
// pipeline, draining the stream to completion.
func (s *Scheduler) fire(ctx context.Context, task *Task) error {
	if s.runner == nil {
		return errors.New("runner not configured")
	}

	conversationID := task.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	msg := &models.Message{
		Role:    models.RoleUser,
		Content: task.Prompt,
		Metadata: map[string]any{
			"scheduled_task": task.Name,
		},
	}

	events, err := s.runner.Run(ctx, conversationID, msg)
	if err != nil {
		s.metrics.RecordScheduledRun(task.Name, "error")
		return err
	}

	var tokens, results int
	var streamErr error
	for ev := range events {
		switch ev.Type {
		case agent.EventToken:
			tokens++
		case agent.EventToolResult:
			results++
		case agent.EventError:
			if ev.Error != nil && streamErr == nil {
				streamErr = &agent.StreamError{Kind: ev.Error.Kind, Detail: ev.Error.Detail}
			}
		}
	}

	if streamErr != nil {
		s.metrics.RecordScheduledRun(task.Name, "error")
		return streamErr
	}

	s.metrics.RecordScheduledRun(task.Name, "success")
	s.logger.Info("scheduled task completed",
		"task", task.Name,
		"conversation_id", conversationID,
		"tokens", tokens,
		"tool_results", results)
	return nil
}

func (s *Scheduler) reschedule(task *Task, firedAt time.Time, runErr error) {
	next, ok := task.Schedule.Next(firedAt)

	s.mu.Lock()
	defer s.mu.Unlock()
	if runErr != nil {
		task.LastError = runErr.Error()
	} else {
		task.LastError = ""
	}
	if ok {
		task.NextRun = next
		return
	}
	task.NextRun = time.Time{}
	s.logger.Info("scheduled task disarmed", "task", task.Name)
}
