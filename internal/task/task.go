package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Task is the persisted task record. It is one-shot when Periodic is nil.
type Task struct {
	ID     int64  `json:"id"`
	UID    string `json:"uid"`
	Type   string `json:"type"`
	Status Status `json:"status"`

	CreatedOn          time.Time  `json:"created_on"`
	StartOn            time.Time  `json:"start_on,omitzero"`
	StartedOn          *time.Time `json:"started_on,omitempty"`
	EndedOn            *time.Time `json:"ended_on,omitempty"`
	ExpiryDate         *time.Time `json:"expiry_date,omitempty"`
	OnRunningListSince *time.Time `json:"on_running_list_since,omitempty"`

	Params json.RawMessage `json:"params,omitempty"`

	// IndexKey is the failed/finished index entry holding the task, if any.
	IndexKey string `json:"index_key,omitempty"`
	// LastError is the error of the last failed attempt.
	LastError string `json:"last_error,omitempty"`
	// WorkerHost and WorkerPID identify the process running the task.
	WorkerHost string `json:"worker_host,omitempty"`
	WorkerPID  int    `json:"worker_pid,omitempty"`

	Periodic *Recurrence `json:"periodic,omitempty"`
}

// NewOneShot returns a task that runs once at startOn.
func NewOneShot(kind string, startOn time.Time, params any) (*Task, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	t := &Task{Type: kind, StartOn: startOn.UTC(), Params: raw}
	return t, t.Validate()
}

// NewPeriodic returns a repeating task following rule from start on.
func NewPeriodic(kind, rule string, start time.Time, params any) (*Task, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	rec, err := NewRecurrence(rule, start)
	if err != nil {
		return nil, err
	}
	t := &Task{Type: kind, Params: raw, Periodic: rec}
	return t, t.Validate()
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		return b, nil
	}
}

func (t *Task) Validate() error {
	if strings.TrimSpace(t.Type) == "" {
		return errors.New("task type required")
	}
	if len(t.Params) > 0 && !json.Valid(t.Params) {
		return errors.New("task params must be valid JSON")
	}
	if t.Periodic != nil {
		if _, err := ParseSchedule(t.Periodic.Rule); err != nil {
			return err
		}
	}
	return nil
}

func (t *Task) IsPeriodic() bool { return t.Periodic != nil }

// StartTime is when the task is due: StartOn for one-shot tasks, the next
// occurrence for periodic ones. It is nil for an exhausted periodic task.
func (t *Task) StartTime() *time.Time {
	if t.Periodic != nil {
		return cloneTime(t.Periodic.NextOccurrence)
	}
	s := t.StartOn
	return &s
}

// Expired reports whether the expiry date lies strictly before now.
func (t *Task) Expired(now time.Time) bool {
	return t.ExpiryDate != nil && now.After(*t.ExpiryDate)
}

// ShouldComeBack reports whether a periodic task wants to be re-queued.
func (t *Task) ShouldComeBack() bool {
	return t.Periodic != nil && t.Periodic.Repeat
}

// DontComeBack stops a periodic task from being rescheduled.
func (t *Task) DontComeBack() {
	if t.Periodic != nil {
		t.Periodic.Repeat = false
	}
}

// ResetRun clears per-run timestamps before the task is queued again.
func (t *Task) ResetRun() {
	t.StartedOn = nil
	t.EndedOn = nil
	t.LastError = ""
	t.WorkerHost = ""
	t.WorkerPID = 0
}

func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.StartedOn = cloneTime(t.StartedOn)
	c.EndedOn = cloneTime(t.EndedOn)
	c.ExpiryDate = cloneTime(t.ExpiryDate)
	c.OnRunningListSince = cloneTime(t.OnRunningListSince)
	c.Params = append(json.RawMessage(nil), t.Params...)
	c.Periodic = t.Periodic.clone()
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
