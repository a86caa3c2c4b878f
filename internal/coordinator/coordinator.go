// Package coordinator runs at most one "current" long-running cancellable
// operation per Coordinator. A new operation either supersedes the current
// one (cancelling its scope) or is refused while the current one is still
// running. Independent Coordinators never interfere with each other.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrOperationInProgress is returned by StartNew when cancelCurrent is false
// and the current task has not completed.
var ErrOperationInProgress = errors.New("coordinator: operation in progress")

// Outcome classifies how a task finished.
type Outcome int

// Task outcomes. Cancellation is a result, not an error.
const (
	OutcomeCompleted Outcome = iota
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is the settled state of a Task. Err is nil unless Outcome is
// OutcomeFailed.
type Result struct {
	Outcome Outcome
	Err     error
}

// Action is the body of a task. Returning ctx.Err() (or any error wrapping
// context.Canceled) after the scope was cancelled settles the task as
// OutcomeCancelled.
type Action func(ctx context.Context) error

// Task is a handle on one started action.
type Task struct {
	done   chan struct{}
	result Result
}

// completedTask is the sentinel every Coordinator starts with.
func completedTask() *Task {
	t := &Task{done: make(chan struct{})}
	close(t.done)

	return t
}

// Done is closed once the task has settled.
func (t *Task) Done() <-chan struct{} { return t.done }

// IsComplete reports whether the task has settled.
func (t *Task) IsComplete() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the task settles or ctx is done. The returned error is
// only non-nil when ctx ended the wait.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the settled result. Only meaningful after Done is closed.
func (t *Task) Result() Result {
	<-t.done
	return t.result
}

// Coordinator is a single-flight, cancellation-scoped async executor.
// All methods are safe for concurrent use.
type Coordinator struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	scope   context.Context
	cancel  context.CancelFunc
	current *Task
}

// New creates a Coordinator whose current task is an already-completed
// sentinel. name only appears in logs.
func New(name string, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	scope, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		name:    name,
		logger:  logger,
		scope:   scope,
		cancel:  cancel,
		current: completedTask(),
	}
}

// StartNew runs action in a fresh cancellation scope derived from parent.
// With cancelCurrent false, a still-running current task makes StartNew
// fail with ErrOperationInProgress without invoking action. With
// cancelCurrent true, the previous scope is cancelled and discarded; the
// previous task keeps unwinding on its own.
func (c *Coordinator) StartNew(parent context.Context, action Action, cancelCurrent bool) (*Task, error) {
	if action == nil {
		panic("coordinator: StartNew called with nil action")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !cancelCurrent && !c.current.IsComplete() {
		c.logger.Debug("coordinator refused start: operation in progress",
			slog.String("coordinator", c.name),
		)

		return nil, ErrOperationInProgress
	}

	c.cancel()

	scope, cancel := context.WithCancel(parent)
	c.scope = scope
	c.cancel = cancel

	task := &Task{done: make(chan struct{})}
	c.current = task

	go c.run(scope, task, action)

	return task, nil
}

// run executes action and settles task. Panics settle the task as failed.
func (c *Coordinator) run(scope context.Context, task *Task, action Action) {
	defer close(task.done)

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("coordinator: panic in action",
				slog.String("coordinator", c.name),
				slog.Any("panic", r),
			)

			task.result = Result{Outcome: OutcomeFailed, Err: fmt.Errorf("coordinator: panic: %v", r)}
		}
	}()

	err := action(scope)

	switch {
	case err == nil:
		task.result = Result{Outcome: OutcomeCompleted}
	case errors.Is(err, context.Canceled) && scope.Err() != nil:
		c.logger.Debug("coordinator task cancelled", slog.String("coordinator", c.name))
		task.result = Result{Outcome: OutcomeCancelled}
	default:
		task.result = Result{Outcome: OutcomeFailed, Err: err}
	}
}

// Cancel signals the current scope without starting anything.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancel()
}

// Token returns the current scope's cancellation context.
func (c *Coordinator) Token() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.scope
}

// Current returns the most recently started task.
func (c *Coordinator) Current() *Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// WaitIdle waits for the current task to settle. Tasks started while
// waiting are not awaited: quiescence here is advisory.
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	_, err := c.Current().Wait(ctx)
	return err
}
