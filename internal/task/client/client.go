// Package client is the control plane of the scheduler.
//
// Every mutation is a spool append; only the dispatcher touches the waiting
// queue, the running list and the indices. Mutations therefore take effect
// asynchronously, once the dispatcher drains the spool. Any number of
// clients may run concurrently.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tasksched/internal/clock"
	"tasksched/internal/storage"
	"tasksched/internal/task"
	"tasksched/internal/task/state"
	logx "tasksched/pkg/logx"
)

type Client struct {
	store   storage.Store
	clock   clock.Clock
	log     logx.Logger
	retries int
}

type Option func(*Client)

func WithClock(clk clock.Clock) Option  { return func(c *Client) { c.clock = clk } }
func WithLogger(log logx.Logger) Option { return func(c *Client) { c.log = log } }
func WithCommitRetries(n int) Option    { return func(c *Client) { c.retries = n } }

func New(st storage.Store, opts ...Option) *Client {
	c := &Client{store: st, clock: clock.Real(), log: logx.Nop()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Status is the answer to GetStatus.
type Status struct {
	// State is "running" while a dispatcher holds the running flag and
	// "stopped" otherwise.
	State     string     `json:"state"`
	Hostname  string     `json:"hostname,omitempty"`
	PID       int        `json:"pid,omitempty"`
	StartedOn *time.Time `json:"started_on,omitempty"`
	state.Counts
}

const StateStopped = "stopped"

func (c *Client) spool(ctx context.Context, e state.SpoolEntry) error {
	r := storage.Retry{Ceiling: c.retries, Log: c.log, Op: "spool " + string(e.Op)}
	return storage.WithRetry(ctx, c.store, r, func(tx *storage.Txn) error {
		_, err := state.New(tx, c.clock).Spool(e)
		return err
	})
}

func (c *Client) view(ctx context.Context, fn func(m *state.Module) error) error {
	return storage.View(ctx, c.store, func(tx *storage.Txn) error {
		return fn(state.New(tx, c.clock))
	})
}

// Enqueue submits t. A UID is assigned when t has none; it is how the task
// is addressed until the dispatcher gives it an id.
func (c *Client) Enqueue(ctx context.Context, t *task.Task) (string, error) {
	if t == nil {
		return "", errors.New("enqueue: nil task")
	}
	if t.ID != 0 {
		return "", fmt.Errorf("enqueue: task %d is already indexed", t.ID)
	}
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	if t.UID == "" {
		t.UID = uuid.NewString()
	}
	if t.CreatedOn.IsZero() {
		t.CreatedOn = c.clock.Now()
	}
	if err := c.spool(ctx, state.SpoolEntry{Op: state.OpAdd, Task: t, UID: t.UID}); err != nil {
		return "", err
	}
	c.log.Debug("task enqueued", logx.String("uid", t.UID), logx.String("kind", t.Type))
	return t.UID, nil
}

func uidOf(t *task.Task) (string, error) {
	if t == nil || t.UID == "" {
		return "", errors.New("task has no uid")
	}
	return t.UID, nil
}

// Dequeue removes t from wherever it is. A running task is not interrupted;
// a periodic one stops recurring.
func (c *Client) Dequeue(ctx context.Context, t *task.Task) error {
	uid, err := uidOf(t)
	if err != nil {
		return err
	}
	return c.spool(ctx, state.SpoolEntry{Op: state.OpDel, UID: uid})
}

// MoveTask reschedules a queued one-shot task.
func (c *Client) MoveTask(ctx context.Context, t *task.Task, at time.Time) error {
	uid, err := uidOf(t)
	if err != nil {
		return err
	}
	at = at.UTC()
	return c.spool(ctx, state.SpoolEntry{Op: state.OpChange, UID: uid, StartOn: &at})
}

// StartFailedTask queues a FAILED task again, due now.
func (c *Client) StartFailedTask(ctx context.Context, t *task.Task) error {
	uid, err := uidOf(t)
	if err != nil {
		return err
	}
	now := c.clock.Now()
	return c.spool(ctx, state.SpoolEntry{Op: state.OpChange, UID: uid, StartOn: &now, FromFailed: true})
}

// Shutdown asks the dispatcher to stop after its current cycle.
func (c *Client) Shutdown(ctx context.Context, msg string) error {
	return c.spool(ctx, state.SpoolEntry{Op: state.OpShutdown, Message: msg})
}

// ClearSpool drops every pending command and returns how many there were.
func (c *Client) ClearSpool(ctx context.Context) (int, error) {
	var n int
	r := storage.Retry{Ceiling: c.retries, Log: c.log, Op: "clear spool"}
	err := storage.WithRetry(ctx, c.store, r, func(tx *storage.Txn) error {
		var err error
		n, err = state.New(tx, c.clock).ClearSpool(ctx)
		return err
	})
	return n, err
}

func (c *Client) GetSpool(ctx context.Context) ([]state.SpoolEntry, error) {
	var out []state.SpoolEntry
	err := c.view(ctx, func(m *state.Module) error {
		var err error
		out, err = m.GetSpool(ctx)
		return err
	})
	return out, err
}

func (c *Client) GetStatus(ctx context.Context) (Status, error) {
	st := Status{State: StateStopped}
	err := c.view(ctx, func(m *state.Module) error {
		flag, ok, err := m.GetSchedulerStatus(ctx)
		if err != nil {
			return err
		}
		if ok {
			st.State = flag.State
			st.Hostname = flag.Hostname
			st.PID = flag.PID
			started := flag.StartedOn
			st.StartedOn = &started
		}
		st.Counts, err = m.Counts(ctx)
		return err
	})
	return st, err
}

func (c *Client) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	var t *task.Task
	err := c.view(ctx, func(m *state.Module) error {
		var err error
		t, err = m.GetTask(ctx, id)
		return err
	})
	return t, err
}

func (c *Client) GetTaskByUID(ctx context.Context, uid string) (*task.Task, error) {
	var t *task.Task
	err := c.view(ctx, func(m *state.Module) error {
		var err error
		t, err = m.GetTaskByUID(ctx, uid)
		return err
	})
	return t, err
}

// GetFailed lists failed index entries with from <= at < to; zero bounds
// are open.
func (c *Client) GetFailed(ctx context.Context, from, to time.Time) ([]state.IndexEntry, error) {
	var out []state.IndexEntry
	err := c.view(ctx, func(m *state.Module) error {
		var err error
		out, err = m.FailedBetween(ctx, from, to)
		return err
	})
	return out, err
}

func (c *Client) GetFinished(ctx context.Context, from, to time.Time) ([]state.IndexEntry, error) {
	var out []state.IndexEntry
	err := c.view(ctx, func(m *state.Module) error {
		var err error
		out, err = m.FinishedBetween(ctx, from, to)
		return err
	})
	return out, err
}

func (c *Client) GetOccurrences(ctx context.Context, id int64) ([]task.Occurrence, error) {
	var out []task.Occurrence
	err := c.view(ctx, func(m *state.Module) error {
		var err error
		out, err = m.Occurrences(ctx, id)
		return err
	})
	return out, err
}

func (c *Client) GetWaiting(ctx context.Context) ([]state.WaitingEntry, error) {
	var out []state.WaitingEntry
	err := c.view(ctx, func(m *state.Module) error {
		var err error
		out, err = m.WaitingList(ctx)
		return err
	})
	return out, err
}

func (c *Client) GetRunning(ctx context.Context) ([]state.RunningEntry, error) {
	var out []state.RunningEntry
	err := c.view(ctx, func(m *state.Module) error {
		var err error
		out, err = m.RunningList(ctx)
		return err
	})
	return out, err
}
