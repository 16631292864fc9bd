package state

import (
	"errors"
	"fmt"

	"tasksched/internal/storage"
	"tasksched/internal/task"
)

var ErrTaskNotFound = fmt.Errorf("task %w", storage.ErrNotFound)

// TaskInconsistentStatusError reports a task that is not where its expected
// status says it should be. Nothing has been written when it is returned.
type TaskInconsistentStatusError struct {
	TaskID   int64
	Expected task.Status
	Actual   task.Status
	// Where names the collection that was checked.
	Where string
}

func (e *TaskInconsistentStatusError) Error() string {
	if e.Actual != e.Expected {
		return fmt.Sprintf("task %d: expected status %s, found %s", e.TaskID, e.Expected, e.Actual)
	}
	return fmt.Sprintf("task %d: status %s but not in %s", e.TaskID, e.Expected, e.Where)
}

// IsInconsistent reports whether err is a *TaskInconsistentStatusError.
func IsInconsistent(err error) bool {
	var e *TaskInconsistentStatusError
	return errors.As(err, &e)
}
