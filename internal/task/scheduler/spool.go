package scheduler

import (
	"context"
	"errors"
	"fmt"

	"tasksched/internal/eventbus"
	"tasksched/internal/storage"
	"tasksched/internal/task"
	"tasksched/internal/task/state"
	logx "tasksched/pkg/logx"
)

var (
	errSpoolEntry = errors.New("spool entry rejected")

	ErrPeriodicMove  = errors.New("periodic tasks follow their rule and cannot be moved")
	ErrNotRestarting = errors.New("only failed one-shot tasks can be restarted")
)

// drainSpool applies spool entries in FIFO order until the spool is empty
// or a shutdown entry is applied. Each entry is popped and applied in one
// commit-retry unit. An entry that cannot be applied is dropped with an
// error log; it would otherwise block everything behind it.
func (s *Scheduler) drainSpool(ctx context.Context) (stop bool, err error) {
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		var (
			entry *state.SpoolEntry
			cause error
			evs   []eventbus.Event
		)
		err := storage.WithRetry(ctx, s.store, s.retry("drain spool"), func(tx *storage.Txn) error {
			entry, cause, evs = nil, nil, nil
			m := state.New(tx, s.clock)
			e, ok, err := m.PopSpool(ctx)
			if !ok {
				return err
			}
			entry = e
			if err != nil {
				cause = err
				return errSpoolEntry
			}
			evs, err = s.applyEntry(ctx, m, e)
			if err != nil && !errors.Is(err, storage.ErrConflict) {
				cause = err
				return errSpoolEntry
			}
			return err
		})
		if errors.Is(err, errSpoolEntry) {
			s.dropEntry(ctx, entry, cause)
			continue
		}
		if err != nil {
			return false, fmt.Errorf("drain spool: %w", err)
		}
		if entry == nil {
			return false, nil
		}
		for _, ev := range evs {
			eventbus.Emit(s.bus, ev)
		}
		if entry.Op == state.OpShutdown {
			s.log.Info("shutdown requested", logx.String("message", entry.Message))
			return true, nil
		}
	}
}

// dropEntry deletes a rejected entry on its own, since the transaction that
// tried to apply it was rolled back.
func (s *Scheduler) dropEntry(ctx context.Context, e *state.SpoolEntry, cause error) {
	s.log.Error("dropping spool entry", logx.String("op", string(e.Op)), logx.String("key", e.Key), logx.String("uid", e.UID), logx.Err(cause))
	err := storage.WithRetry(ctx, s.store, s.retry("drop spool entry"), func(tx *storage.Txn) error {
		state.New(tx, s.clock).DeleteSpoolEntry(e.Key)
		return nil
	})
	if err != nil {
		s.log.Error("spool entry not dropped", logx.String("key", e.Key), logx.Err(err))
	}
}

// applyEntry performs one spool command and returns the events to publish
// once it has committed.
func (s *Scheduler) applyEntry(ctx context.Context, m *state.Module, e *state.SpoolEntry) ([]eventbus.Event, error) {
	now := s.clock.Now()
	switch e.Op {
	case state.OpAdd:
		t, err := s.add(ctx, m, e)
		if err != nil {
			return nil, err
		}
		return []eventbus.Event{{Type: eventbus.TaskQueued, Time: now, TaskID: t.ID, Data: t.Type}}, nil
	case state.OpChange:
		t, err := m.GetTaskByUID(ctx, e.UID)
		if err != nil {
			return nil, err
		}
		if e.FromFailed {
			err = s.restartFailed(ctx, m, t, e)
		} else {
			err = s.change(ctx, m, t, e)
		}
		if err != nil {
			return nil, err
		}
		return []eventbus.Event{{Type: eventbus.TaskRequeued, Time: now, TaskID: t.ID, Data: t.StartOn}}, nil
	case state.OpDel:
		t, err := m.GetTaskByUID(ctx, e.UID)
		if err != nil {
			return nil, err
		}
		if err := s.del(ctx, m, t); err != nil {
			return nil, err
		}
		return []eventbus.Event{{Type: eventbus.TaskRemoved, Time: now, TaskID: t.ID}}, nil
	case state.OpShutdown:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown spool op %q", e.Op)
}

func (s *Scheduler) add(ctx context.Context, m *state.Module, e *state.SpoolEntry) (*task.Task, error) {
	t := e.Task.Clone()
	if t == nil {
		return nil, errors.New("add: no task")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.ID = 0
	t.IndexKey = ""
	t.ResetRun()
	queued, err := m.AddTaskToWaitingQueue(ctx, t, true)
	if err != nil {
		return nil, err
	}
	if !queued {
		s.log.Warn("task has no start time, not queued", logx.TaskID(t.ID), logx.String("kind", t.Type))
	} else {
		s.log.Debug("task queued", logx.TaskID(t.ID), logx.String("kind", t.Type), logx.Time("start", *t.StartTime()))
	}
	return t, nil
}

// change moves a queued one-shot task to a new start time.
func (s *Scheduler) change(ctx context.Context, m *state.Module, t *task.Task, e *state.SpoolEntry) error {
	if e.StartOn == nil {
		return errors.New("change: no start time")
	}
	if t.IsPeriodic() {
		return fmt.Errorf("task %d: %w", t.ID, ErrPeriodicMove)
	}
	old := t.StartOn
	t.StartOn = e.StartOn.UTC()
	if err := m.ChangeTaskStartDate(ctx, old, t); err != nil {
		return err
	}
	s.log.Debug("task moved", logx.TaskID(t.ID), logx.Time("from", old), logx.Time("to", t.StartOn))
	return nil
}

// restartFailed puts a FAILED task back on the waiting queue.
func (s *Scheduler) restartFailed(ctx context.Context, m *state.Module, t *task.Task, e *state.SpoolEntry) error {
	if t.IsPeriodic() || t.Status != task.StatusFailed {
		return fmt.Errorf("task %d is %s: %w", t.ID, t.Status, ErrNotRestarting)
	}
	if e.StartOn != nil {
		t.StartOn = e.StartOn.UTC()
	} else {
		t.StartOn = s.clock.Now()
	}
	t.ResetRun()
	if err := m.MoveTask(ctx, t, task.StatusFailed, task.StatusQueued, nil, false); err != nil {
		return err
	}
	s.log.Info("failed task restarted", logx.TaskID(t.ID), logx.Time("start", t.StartOn))
	return nil
}

// del removes a task from wherever it is. Running tasks cannot be
// cancelled; they are only told not to come back.
func (s *Scheduler) del(ctx context.Context, m *state.Module, t *task.Task) error {
	t.DontComeBack()
	switch st := t.Status; st {
	case task.StatusQueued, task.StatusFailed, task.StatusAborted, task.StatusFinished, task.StatusTerminated:
		if err := m.MoveTask(ctx, t, st, task.StatusNone, nil, false); err != nil {
			return err
		}
		s.log.Debug("task removed", logx.TaskID(t.ID), logx.String("from", st.String()))
		return nil
	case task.StatusRunning:
		s.log.Warn("running task cannot be cancelled, waiting for it or the AWOL check", logx.TaskID(t.ID))
		return m.PutTask(t)
	case task.StatusSpooled:
		t.Status = task.StatusNone
		return m.PutTask(t)
	default:
		return nil
	}
}
