package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tasksched/internal/task"
)

// WaitingEntry is one slot of the waiting queue.
type WaitingEntry struct {
	Key    string
	Due    time.Time
	TaskID int64
}

// RunningEntry is one slot of the running list. Since may be nil when the
// entry was written without it.
type RunningEntry struct {
	TaskID int64      `json:"task_id"`
	Since  *time.Time `json:"since"`
}

// IndexEntry is one failed/finished index slot.
type IndexEntry struct {
	Key          string      `json:"-"`
	TaskID       int64       `json:"task_id"`
	OccurrenceID *int        `json:"occurrence_id,omitempty"`
	Status       task.Status `json:"status"`
	At           time.Time   `json:"at"`
}

// AddTaskToWaitingQueue optionally indexes t, then queues it at its start
// time and marks it QUEUED. It reports false, leaving t untouched, when t
// has no start time (an exhausted periodic task).
func (m *Module) AddTaskToWaitingQueue(ctx context.Context, t *task.Task, index bool) (bool, error) {
	if index {
		if err := m.IndexTask(ctx, t); err != nil {
			return false, err
		}
	}
	start := t.StartTime()
	if start == nil {
		return false, m.PutTask(t)
	}
	m.tx.Put(waitingKey(*start, t.ID), []byte(pad(t.ID)))
	t.Status = task.StatusQueued
	return true, m.PutTask(t)
}

// findWaiting locates t's waiting entry, first at its start time, then by
// scanning the queue.
func (m *Module) findWaiting(ctx context.Context, t *task.Task) (string, bool, error) {
	if start := t.StartTime(); start != nil {
		k := waitingKey(*start, t.ID)
		if _, ok, err := m.tx.Get(ctx, k); err != nil || ok {
			return k, ok, err
		}
	}
	kvs, err := m.tx.Scan(ctx, prefixWaiting)
	if err != nil {
		return "", false, err
	}
	suffix := "/" + pad(t.ID)
	for _, kv := range kvs {
		if strings.HasSuffix(kv.Key, suffix) {
			return kv.Key, true, nil
		}
	}
	return "", false, nil
}

// PeekNextWaitingTask returns the earliest waiting entry.
func (m *Module) PeekNextWaitingTask(ctx context.Context) (*WaitingEntry, bool, error) {
	kvs, err := m.tx.Scan(ctx, prefixWaiting)
	if err != nil || len(kvs) == 0 {
		return nil, false, err
	}
	due, id, ok := splitTimeID(kvs[0].Key, prefixWaiting)
	if !ok {
		return nil, false, fmt.Errorf("malformed waiting key %q", kvs[0].Key)
	}
	return &WaitingEntry{Key: kvs[0].Key, Due: due, TaskID: id}, true, nil
}

// WaitingList returns the whole queue in due order.
func (m *Module) WaitingList(ctx context.Context) ([]WaitingEntry, error) {
	kvs, err := m.tx.Scan(ctx, prefixWaiting)
	if err != nil {
		return nil, err
	}
	out := make([]WaitingEntry, 0, len(kvs))
	for _, kv := range kvs {
		if due, id, ok := splitTimeID(kv.Key, prefixWaiting); ok {
			out = append(out, WaitingEntry{Key: kv.Key, Due: due, TaskID: id})
		}
	}
	return out, nil
}

// RemoveWaitingTask drops t from the waiting queue. It reports whether an
// entry was found.
func (m *Module) RemoveWaitingTask(ctx context.Context, t *task.Task) (bool, error) {
	k, ok, err := m.findWaiting(ctx, t)
	if err != nil || !ok {
		return false, err
	}
	m.tx.Delete(k)
	return true, nil
}

// ChangeTaskStartDate moves a queued task from oldStart to its current start
// time. The caller updates the task's start before calling.
func (m *Module) ChangeTaskStartDate(ctx context.Context, oldStart time.Time, t *task.Task) error {
	if t.Status != task.StatusQueued {
		return &TaskInconsistentStatusError{TaskID: t.ID, Expected: task.StatusQueued, Actual: t.Status, Where: "waiting"}
	}
	old := waitingKey(oldStart, t.ID)
	if _, ok, err := m.tx.Get(ctx, old); err != nil {
		return err
	} else if !ok {
		return &TaskInconsistentStatusError{TaskID: t.ID, Expected: task.StatusQueued, Actual: t.Status, Where: "waiting"}
	}
	start := t.StartTime()
	if start == nil {
		return fmt.Errorf("task %d has no start time", t.ID)
	}
	m.tx.Delete(old)
	m.tx.Put(waitingKey(*start, t.ID), []byte(pad(t.ID)))
	return m.PutTask(t)
}

// AddTaskToRunningList records t as running since the given time. A nil
// since is allowed and is what AWOL detection treats as a lost timestamp.
func (m *Module) AddTaskToRunningList(t *task.Task, since *time.Time) error {
	if err := m.tx.PutJSON(runningKey(t.ID), RunningEntry{TaskID: t.ID, Since: since}); err != nil {
		return err
	}
	t.OnRunningListSince = since
	t.Status = task.StatusRunning
	return m.PutTask(t)
}

func (m *Module) RunningList(ctx context.Context) ([]RunningEntry, error) {
	kvs, err := m.tx.Scan(ctx, prefixRunning)
	if err != nil {
		return nil, err
	}
	out := make([]RunningEntry, 0, len(kvs))
	for _, kv := range kvs {
		var e RunningEntry
		if err := json.Unmarshal(kv.Value, &e); err != nil || e.TaskID == 0 {
			id, ok := trimID(kv.Key, prefixRunning)
			if !ok {
				return nil, fmt.Errorf("malformed running key %q", kv.Key)
			}
			e = RunningEntry{TaskID: id}
		}
		out = append(out, e)
	}
	return out, nil
}

// DropRunning removes id from the running list without touching its task
// record.
func (m *Module) DropRunning(id int64) { m.tx.Delete(runningKey(id)) }

func (m *Module) IsRunning(ctx context.Context, id int64) (bool, error) {
	_, ok, err := m.tx.Get(ctx, runningKey(id))
	return ok, err
}

func collectionOf(s task.Status) string {
	switch s {
	case task.StatusQueued:
		return "waiting"
	case task.StatusRunning:
		return "running"
	case task.StatusFailed, task.StatusAborted, task.StatusTerminated:
		return "failed"
	case task.StatusFinished:
		return "finished"
	default:
		return "none"
	}
}

// check verifies that t has status from and sits in the matching collection.
func (m *Module) check(ctx context.Context, t *task.Task, from task.Status) error {
	where := collectionOf(from)
	bad := &TaskInconsistentStatusError{TaskID: t.ID, Expected: from, Actual: t.Status, Where: where}
	if t.Status != from {
		return bad
	}
	var (
		ok  bool
		err error
	)
	switch where {
	case "waiting":
		_, ok, err = m.findWaiting(ctx, t)
	case "running":
		ok, err = m.IsRunning(ctx, t.ID)
	case "failed", "finished":
		if strings.HasPrefix(t.IndexKey, where+"/") {
			_, ok, err = m.tx.Get(ctx, t.IndexKey)
		}
	default:
		ok = true
	}
	if err != nil {
		return err
	}
	if !ok {
		return bad
	}
	return nil
}

func (m *Module) removeFrom(ctx context.Context, t *task.Task, from task.Status) error {
	switch collectionOf(from) {
	case "waiting":
		if _, err := m.RemoveWaitingTask(ctx, t); err != nil {
			return err
		}
	case "running":
		m.tx.Delete(runningKey(t.ID))
		t.OnRunningListSince = nil
	case "failed", "finished":
		if t.IndexKey != "" {
			m.tx.Delete(t.IndexKey)
			t.IndexKey = ""
		}
	}
	return nil
}

func (m *Module) insertInto(t *task.Task, to task.Status, occ *task.Occurrence) error {
	switch where := collectionOf(to); where {
	case "waiting":
		start := t.StartTime()
		if start == nil {
			return fmt.Errorf("task %d has no start time to queue at", t.ID)
		}
		m.tx.Put(waitingKey(*start, t.ID), []byte(pad(t.ID)))
	case "running":
		now := m.now()
		return m.AddTaskToRunningList(t, &now)
	case "failed", "finished":
		at := m.now()
		entry := IndexEntry{TaskID: t.ID, Status: to}
		occID := -1
		if occ != nil {
			occID = occ.ID
			entry.OccurrenceID = &occ.ID
			if occ.EndedOn != nil {
				at = *occ.EndedOn
			}
		} else if t.EndedOn != nil {
			at = *t.EndedOn
		}
		entry.At = at
		key := indexKey(where+"/", at, t.ID, occID)
		if err := m.tx.PutJSON(key, entry); err != nil {
			return err
		}
		if occ == nil {
			t.IndexKey = key
		}
	}
	return nil
}

// MoveTask moves t from the collection of status from to the collection of
// status to. With an occurrence, the occurrence is what lands in the target
// index (and the occurrence history); the task status is then left for the
// caller to decide. Unless nocheck is set, a task that is not where from
// says yields *TaskInconsistentStatusError and nothing is written.
func (m *Module) MoveTask(ctx context.Context, t *task.Task, from, to task.Status, occ *task.Occurrence, nocheck bool) error {
	if !nocheck {
		if err := m.check(ctx, t, from); err != nil {
			return err
		}
	}
	if err := m.removeFrom(ctx, t, from); err != nil {
		return err
	}
	if occ != nil {
		if err := m.RecordOccurrence(occ, to); err != nil {
			return err
		}
	}
	if err := m.insertInto(t, to, occ); err != nil {
		return err
	}
	if occ == nil {
		t.Status = to
	}
	return m.PutTask(t)
}

// RecordOccurrence stores occ in the occurrence history with the given
// status. It does not touch the failed/finished indices.
func (m *Module) RecordOccurrence(occ *task.Occurrence, status task.Status) error {
	occ.Status = status
	return m.tx.PutJSON(occurrencePrefix(occ.TaskID)+pad(int64(occ.ID)), occ)
}

// FailedBetween lists failed index entries with from <= at < to. A zero
// bound is open.
func (m *Module) FailedBetween(ctx context.Context, from, to time.Time) ([]IndexEntry, error) {
	return m.between(ctx, prefixFailed, from, to)
}

func (m *Module) FinishedBetween(ctx context.Context, from, to time.Time) ([]IndexEntry, error) {
	return m.between(ctx, prefixFinished, from, to)
}

func (m *Module) between(ctx context.Context, prefix string, from, to time.Time) ([]IndexEntry, error) {
	kvs, err := m.tx.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var out []IndexEntry
	for _, kv := range kvs {
		at, _, ok := splitTimeID(kv.Key, prefix)
		if !ok {
			continue
		}
		if !from.IsZero() && at.Before(from.Truncate(time.Second)) {
			continue
		}
		if !to.IsZero() && !at.Before(to) {
			continue
		}
		var e IndexEntry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			return nil, fmt.Errorf("%s: %w", kv.Key, err)
		}
		e.Key = kv.Key
		out = append(out, e)
	}
	return out, nil
}
