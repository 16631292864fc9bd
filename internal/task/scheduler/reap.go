package scheduler

import (
	"context"
	"errors"
	"fmt"

	"tasksched/internal/eventbus"
	"tasksched/internal/storage"
	"tasksched/internal/task"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/state"
	logx "tasksched/pkg/logx"
)

// Reap collects every worker that has exited and moves its task out of the
// running list. A worker whose reap could not commit stays tracked and is
// retried next cycle. Adopted workers are reaped once their report lands.
func (s *Scheduler) Reap(ctx context.Context) error {
	var errs []error
	for _, h := range s.handles() {
		select {
		case <-h.Done():
		default:
			continue
		}
		out, ok := h.Outcome()
		if !ok {
			out = engine.Outcome{TaskID: h.TaskID(), Error: engine.ErrNoReport.Error()}
		}
		err := s.reapOne(ctx, h.TaskID(), out)
		if err != nil && errors.Is(err, storage.ErrRetriesExhausted) {
			errs = append(errs, err)
			continue
		}
		if err != nil {
			s.log.Error("reap failed, dropping worker", logx.TaskID(h.TaskID()), logx.Err(err))
		}
		s.untrack(h.TaskID())
	}
	if err := s.reapAdopted(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func finalStatus(out engine.Outcome) task.Status {
	switch {
	case out.Expired || out.Vetoed:
		return task.StatusAborted
	case out.Succeeded:
		return task.StatusFinished
	default:
		return task.StatusFailed
	}
}

func (s *Scheduler) reapOne(ctx context.Context, id int64, fallback engine.Outcome) error {
	var (
		ev   eventbus.Event
		emit bool
	)
	err := storage.WithRetry(ctx, s.store, s.retry("reap"), func(tx *storage.Txn) error {
		emit = false
		m := state.New(tx, s.clock)
		// The stored report is authoritative; the handle's copy covers a
		// worker that could not commit it.
		out := fallback
		if rep, ok, err := m.TakeResult(ctx, id); err != nil {
			return err
		} else if ok {
			out = *rep
		}
		t, err := m.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != task.StatusRunning {
			// Already reclaimed, e.g. by the AWOL check.
			s.log.Debug("reaped task is no longer running", logx.TaskID(id), logx.String("status", t.Status.String()))
			return nil
		}

		final := finalStatus(out)
		if out.Succeeded {
			if out.EndedOn != nil {
				t.EndedOn = out.EndedOn
			}
			t.LastError = ""
		} else {
			t.EndedOn = nil
			t.LastError = out.Error
		}

		requeued := false
		if t.IsPeriodic() {
			var err error
			if requeued, err = s.reapPeriodic(ctx, m, t, final); err != nil {
				return err
			}
		} else if err := m.MoveTask(ctx, t, task.StatusRunning, final, nil, false); err != nil {
			return err
		}

		ev = eventbus.Event{Type: eventFor(final), Time: s.clock.Now(), TaskID: id, Data: out}
		emit = true
		s.log.Info("task reaped",
			logx.TaskID(id),
			logx.String("kind", t.Type),
			logx.String("status", final.String()),
			logx.Int("attempts", out.Attempts),
			logx.Bool("requeued", requeued),
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reap task %d: %w", id, err)
	}
	if emit {
		eventbus.Emit(s.bus, ev)
	}
	return nil
}

// reapPeriodic records the run as an occurrence. If the task repeats and
// its rule has another instant, the occurrence lands in the final index and
// the task goes back on the waiting queue; otherwise the task itself takes
// the final status.
func (s *Scheduler) reapPeriodic(ctx context.Context, m *state.Module, t *task.Task, final task.Status) (bool, error) {
	t.Periodic.ConsumeOccurrence()
	occ := task.NewOccurrence(t, final)
	t.Periodic.AddOccurrence(occ)

	if t.ShouldComeBack() {
		next, err := t.Periodic.SetNextOccurrence(s.clock.Now())
		if err != nil {
			return false, err
		}
		if next != nil {
			if err := m.MoveTask(ctx, t, task.StatusRunning, final, occ, false); err != nil {
				return false, err
			}
			t.ResetRun()
			if _, err := m.AddTaskToWaitingQueue(ctx, t, false); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	if err := m.RecordOccurrence(occ, final); err != nil {
		return false, err
	}
	return false, m.MoveTask(ctx, t, task.StatusRunning, final, nil, false)
}

func eventFor(s task.Status) string {
	switch s {
	case task.StatusFinished:
		return eventbus.TaskFinished
	case task.StatusAborted:
		return eventbus.TaskAborted
	case task.StatusTerminated:
		return eventbus.TaskTerminated
	default:
		return eventbus.TaskFailed
	}
}
