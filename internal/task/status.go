package task

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is the lifecycle state of a task or occurrence.
type Status int

const (
	StatusNone Status = iota
	StatusSpooled
	StatusQueued
	StatusRunning
	StatusFailed
	StatusAborted
	StatusFinished
	StatusTerminated
)

var statusNames = [...]string{"none", "spooled", "queued", "running", "failed", "aborted", "finished", "terminated"}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// IsTerminal reports whether the status ends a run.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFailed, StatusAborted, StatusFinished, StatusTerminated:
		return true
	}
	return false
}

func (s Status) Valid() bool { return s >= StatusNone && s <= StatusTerminated }

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus accepts a name ("queued") or the numeric value ("2").
func ParseStatus(raw string) (Status, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	for i, n := range statusNames {
		if n == s {
			return Status(i), nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Status(n).Valid() {
		return Status(n), nil
	}
	return StatusNone, fmt.Errorf("unknown status %q", raw)
}
