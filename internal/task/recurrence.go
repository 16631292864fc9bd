package task

import (
	"errors"
	"time"
)

// Recurrence is the schedule state of a periodic task.
//
// NextOccurrence is the instant the task is (or will be) queued for.
// LastOccurrence is the last instant that actually ran; once it equals
// NextOccurrence the occurrence is consumed and SetNextOccurrence may advance.
type Recurrence struct {
	Rule            string     `json:"rule"`
	Start           time.Time  `json:"start"`
	Until           *time.Time `json:"until,omitempty"`
	Count           int        `json:"count,omitempty"`
	NextOccurrence  *time.Time `json:"next_occurrence,omitempty"`
	LastOccurrence  *time.Time `json:"last_occurrence,omitempty"`
	OccurrenceCount int        `json:"occurrence_count"`
	Generated       int        `json:"generated"`
	Repeat          bool       `json:"repeat"`
}

// NewRecurrence validates rule and computes the first occurrence: the first
// rule instant at or after start.
func NewRecurrence(rule string, start time.Time) (*Recurrence, error) {
	r := &Recurrence{Rule: rule, Start: start.UTC().Truncate(time.Second), Repeat: true}
	sched, err := r.schedule()
	if err != nil {
		return nil, err
	}
	first := sched.Next(r.Start.Add(-time.Second))
	if !r.accept(first) {
		return nil, errors.New("recurrence has no occurrence")
	}
	r.Generated = 1
	r.NextOccurrence = &first
	return r, nil
}

func (r *Recurrence) schedule() (interface{ Next(time.Time) time.Time }, error) {
	p, err := ParseSchedule(r.Rule)
	if err != nil {
		return nil, err
	}
	return p.Schedule(r.Start)
}

// accept reports whether t may become the next occurrence.
func (r *Recurrence) accept(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	if r.Until != nil && t.After(*r.Until) {
		return false
	}
	if r.Count > 0 && r.Generated >= r.Count {
		return false
	}
	return true
}

// consumed reports whether NextOccurrence has already run.
func (r *Recurrence) consumed() bool {
	return r.NextOccurrence != nil && r.LastOccurrence != nil && !r.NextOccurrence.After(*r.LastOccurrence)
}

// SetNextOccurrence advances NextOccurrence to the first rule instant
// strictly after max(LastOccurrence, after) and returns it.
//
// It only advances past a consumed occurrence, so repeated calls between two
// runs keep returning the same instant. It returns nil once the rule is
// exhausted.
func (r *Recurrence) SetNextOccurrence(after time.Time) (*time.Time, error) {
	if r.NextOccurrence == nil {
		return nil, nil
	}
	if !r.consumed() {
		next := *r.NextOccurrence
		return &next, nil
	}
	sched, err := r.schedule()
	if err != nil {
		return nil, err
	}
	base := *r.LastOccurrence
	if after.After(base) {
		base = after
	}
	next := sched.Next(base)
	if !r.accept(next) {
		r.NextOccurrence = nil
		return nil, nil
	}
	r.Generated++
	r.NextOccurrence = &next
	out := next
	return &out, nil
}

// ConsumeOccurrence marks the current occurrence as run.
func (r *Recurrence) ConsumeOccurrence() {
	if r.NextOccurrence == nil {
		return
	}
	t := *r.NextOccurrence
	r.LastOccurrence = &t
}

// AddOccurrence numbers o and counts it.
func (r *Recurrence) AddOccurrence(o *Occurrence) {
	o.ID = r.OccurrenceCount
	r.OccurrenceCount++
}

func (r *Recurrence) clone() *Recurrence {
	if r == nil {
		return nil
	}
	c := *r
	c.Until = cloneTime(r.Until)
	c.NextOccurrence = cloneTime(r.NextOccurrence)
	c.LastOccurrence = cloneTime(r.LastOccurrence)
	return &c
}
