package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tasksched/internal/clock"
	"tasksched/internal/storage"
	"tasksched/internal/task"
)

// Module is the scheduler state seen through one transaction.
type Module struct {
	tx    *storage.Txn
	clock clock.Clock
}

func New(tx *storage.Txn, clk clock.Clock) *Module {
	return &Module{tx: tx, clock: clk}
}

func (m *Module) Tx() *storage.Txn { return m.tx }

func (m *Module) now() time.Time { return m.clock.Now() }

// IndexTask assigns the next id, marks the task SPOOLED and stores it.
func (m *Module) IndexTask(ctx context.Context, t *task.Task) error {
	if t.ID != 0 {
		return fmt.Errorf("task %d is already indexed", t.ID)
	}
	var last int64
	if b, ok, err := m.tx.Get(ctx, keyCounter); err != nil {
		return err
	} else if ok {
		if last, err = strconv.ParseInt(string(b), 10, 64); err != nil {
			return fmt.Errorf("corrupt task counter: %w", err)
		}
	}
	if t.UID != "" {
		if _, ok, err := m.tx.Get(ctx, uidKey(t.UID)); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("task uid %s is already indexed", t.UID)
		}
		m.tx.Put(uidKey(t.UID), []byte(strconv.FormatInt(last+1, 10)))
	}
	t.ID = last + 1
	t.Status = task.StatusSpooled
	if t.CreatedOn.IsZero() {
		t.CreatedOn = m.now()
	}
	m.tx.Put(keyCounter, []byte(strconv.FormatInt(t.ID, 10)))
	return m.PutTask(t)
}

func (m *Module) PutTask(t *task.Task) error {
	if t.ID == 0 {
		return fmt.Errorf("task is not indexed")
	}
	return m.tx.PutJSON(taskKey(t.ID), t)
}

func (m *Module) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	var t task.Task
	ok, err := m.tx.GetJSON(ctx, taskKey(id), &t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrTaskNotFound, id)
	}
	return &t, nil
}

func (m *Module) GetTaskByUID(ctx context.Context, uid string) (*task.Task, error) {
	b, ok, err := m.tx.Get(ctx, uidKey(uid))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: uid %s", ErrTaskNotFound, uid)
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt uid entry %s: %w", uid, err)
	}
	return m.GetTask(ctx, id)
}

// Tasks returns every indexed task, optionally filtered by status.
func (m *Module) Tasks(ctx context.Context, filter func(*task.Task) bool) ([]*task.Task, error) {
	kvs, err := m.tx.Scan(ctx, prefixTask)
	if err != nil {
		return nil, err
	}
	out := make([]*task.Task, 0, len(kvs))
	for _, kv := range kvs {
		var t task.Task
		if err := json.Unmarshal(kv.Value, &t); err != nil {
			return nil, fmt.Errorf("%s: %w", kv.Key, err)
		}
		if filter == nil || filter(&t) {
			out = append(out, &t)
		}
	}
	return out, nil
}

// Counts is the size of each collection.
type Counts struct {
	Waiting  int `json:"waiting"`
	Running  int `json:"running"`
	Spooled  int `json:"spooled"`
	Failed   int `json:"failed"`
	Finished int `json:"finished"`
}

func (m *Module) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	for _, p := range []struct {
		prefix string
		dst    *int
	}{
		{prefixWaiting, &c.Waiting},
		{prefixRunning, &c.Running},
		{prefixSpool, &c.Spooled},
		{prefixFailed, &c.Failed},
		{prefixFinished, &c.Finished},
	} {
		kvs, err := m.tx.Scan(ctx, p.prefix)
		if err != nil {
			return c, err
		}
		*p.dst = len(kvs)
	}
	return c, nil
}

// SchedulerStatus is the running-status flag of the dispatcher.
type SchedulerStatus struct {
	State     string    `json:"state"`
	Hostname  string    `json:"hostname"`
	PID       int       `json:"pid"`
	StartedOn time.Time `json:"started_on"`
}

const StateRunning = "running"

// SetSchedulerStatus stores the flag; nil clears it.
func (m *Module) SetSchedulerStatus(s *SchedulerStatus) error {
	if s == nil {
		m.tx.Delete(keyStatus)
		return nil
	}
	return m.tx.PutJSON(keyStatus, s)
}

func (m *Module) GetSchedulerStatus(ctx context.Context) (*SchedulerStatus, bool, error) {
	var s SchedulerStatus
	ok, err := m.tx.GetJSON(ctx, keyStatus, &s)
	if err != nil || !ok {
		return nil, false, err
	}
	return &s, true, nil
}

// Report is what a worker leaves behind for the dispatcher.
type Report struct {
	TaskID    int64      `json:"task_id"`
	Succeeded bool       `json:"succeeded"`
	Expired   bool       `json:"expired,omitempty"`
	Vetoed    bool       `json:"vetoed,omitempty"`
	Attempts  int        `json:"attempts"`
	Error     string     `json:"error,omitempty"`
	EndedOn   *time.Time `json:"ended_on,omitempty"`
}

func (m *Module) SetResult(r Report) error {
	return m.tx.PutJSON(resultKey(r.TaskID), r)
}

func (m *Module) HasResult(ctx context.Context, id int64) (bool, error) {
	_, ok, err := m.tx.Get(ctx, resultKey(id))
	return ok, err
}

// TakeResult reads and removes the report for id.
func (m *Module) TakeResult(ctx context.Context, id int64) (*Report, bool, error) {
	var r Report
	ok, err := m.tx.GetJSON(ctx, resultKey(id), &r)
	if err != nil || !ok {
		return nil, false, err
	}
	m.tx.Delete(resultKey(id))
	return &r, true, nil
}

func (m *Module) Occurrences(ctx context.Context, id int64) ([]task.Occurrence, error) {
	kvs, err := m.tx.Scan(ctx, occurrencePrefix(id))
	if err != nil {
		return nil, err
	}
	out := make([]task.Occurrence, 0, len(kvs))
	for _, kv := range kvs {
		var o task.Occurrence
		if err := json.Unmarshal(kv.Value, &o); err != nil {
			return nil, fmt.Errorf("%s: %w", kv.Key, err)
		}
		out = append(out, o)
	}
	return out, nil
}

func trimID(key, prefix string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimPrefix(key, prefix), 10, 64)
	return id, err == nil
}
