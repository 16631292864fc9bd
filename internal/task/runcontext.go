package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"tasksched/internal/clock"
	"tasksched/internal/storage"
	logx "tasksched/pkg/logx"
)

// RunContext is handed to a task body for one attempt.
type RunContext struct {
	// Task is a copy; changes to it are not persisted.
	Task    *Task
	Attempt int
	// Tx is the attempt's transaction. Writes made through it commit only if
	// the attempt succeeds.
	Tx  *storage.Txn
	Log logx.Logger

	clock  clock.Clock
	outbox *Outbox
}

func NewRunContext(t *Task, attempt int, tx *storage.Txn, clk clock.Clock, log logx.Logger, outbox *Outbox) *RunContext {
	if outbox == nil {
		outbox = &Outbox{}
	}
	return &RunContext{Task: t, Attempt: attempt, Tx: tx, Log: log, clock: clk, outbox: outbox}
}

func (rc *RunContext) Now() time.Time { return rc.clock.Now() }

// Sleep pauses on the scheduler clock.
func (rc *RunContext) Sleep(ctx context.Context, d time.Duration) error {
	return rc.clock.Sleep(ctx, d)
}

// Decode unmarshals the task params into v. Empty params leave v untouched.
func (rc *RunContext) Decode(v any) error {
	if len(rc.Task.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(rc.Task.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", rc.Task.Type, err)
	}
	return nil
}

// Defer queues an external side effect. It runs once, after the attempt that
// queued it commits; failed attempts drop their queue.
func (rc *RunContext) Defer(name string, fn func(ctx context.Context) error) {
	rc.outbox.Add(name, fn)
}

// Outbox holds deferred side effects of one attempt.
type Outbox struct {
	mu      sync.Mutex
	items   []deferred
	flushed bool
}

type deferred struct {
	name string
	fn   func(ctx context.Context) error
}

func (o *Outbox) Add(name string, fn func(ctx context.Context) error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.flushed || fn == nil {
		return
	}
	o.items = append(o.items, deferred{name: name, fn: fn})
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Discard drops everything queued so far.
func (o *Outbox) Discard() {
	o.mu.Lock()
	o.items = nil
	o.mu.Unlock()
}

// Flush runs every queued effect in order. Only the first call does anything.
// A failing effect does not stop the rest.
func (o *Outbox) Flush(ctx context.Context) error {
	o.mu.Lock()
	if o.flushed {
		o.mu.Unlock()
		return nil
	}
	o.flushed = true
	items := o.items
	o.items = nil
	o.mu.Unlock()

	var errs []error
	for _, it := range items {
		if err := it.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", it.name, err))
		}
	}
	return errors.Join(errs...)
}
