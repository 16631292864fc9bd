package task

import "time"

// Occurrence records one run of a periodic task. It is history only and is
// never scheduled itself.
type Occurrence struct {
	TaskID       int64      `json:"task_id"`
	ID           int        `json:"id"`
	Status       Status     `json:"status"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	StartedOn    *time.Time `json:"started_on,omitempty"`
	EndedOn      *time.Time `json:"ended_on,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// NewOccurrence snapshots the current run of t with the given final status.
// The caller numbers it with Recurrence.AddOccurrence.
func NewOccurrence(t *Task, status Status) *Occurrence {
	o := &Occurrence{
		TaskID:    t.ID,
		Status:    status,
		StartedOn: cloneTime(t.StartedOn),
		EndedOn:   cloneTime(t.EndedOn),
		Error:     t.LastError,
	}
	if t.Periodic != nil {
		o.ScheduledFor = cloneTime(t.Periodic.NextOccurrence)
	}
	return o
}
