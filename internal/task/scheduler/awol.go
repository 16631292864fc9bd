package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tasksched/internal/eventbus"
	"tasksched/internal/storage"
	"tasksched/internal/task"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/state"
	logx "tasksched/pkg/logx"
)

// CheckAWOL reclaims running tasks whose worker is presumed dead: those on
// the running list for longer than the threshold are torn down and
// terminated; those with no timestamp are torn down and queued again.
func (s *Scheduler) CheckAWOL(ctx context.Context) error {
	cfg := s.config()
	var running []state.RunningEntry
	err := storage.View(ctx, s.store, func(tx *storage.Txn) error {
		var err error
		running, err = state.New(tx, s.clock).RunningList(ctx)
		return err
	})
	if err != nil {
		return err
	}

	now := s.clock.Now()
	var errs []error
	for _, e := range running {
		switch {
		case e.Since == nil:
			s.log.Warn("running task has no timestamp, requeueing", logx.TaskID(e.TaskID))
			errs = append(errs, s.reclaim(ctx, e.TaskID, task.StatusQueued, "lost running timestamp"))
		case now.Sub(*e.Since) > cfg.AWOLThreshold:
			s.log.Warn("task is AWOL, terminating",
				logx.TaskID(e.TaskID),
				logx.Time("since", *e.Since),
				logx.Duration("threshold", cfg.AWOLThreshold),
			)
			errs = append(errs, s.reclaim(ctx, e.TaskID, task.StatusTerminated, fmt.Sprintf("AWOL for %s", now.Sub(*e.Since).Round(time.Second))))
		}
	}
	return errors.Join(errs...)
}

// leftover is a running-list entry no worker of this instance owns.
type leftover struct {
	id       int64
	task     *task.Task
	reported bool
}

func (s *Scheduler) leftovers(ctx context.Context) ([]leftover, error) {
	var out []leftover
	err := storage.View(ctx, s.store, func(tx *storage.Txn) error {
		out = out[:0]
		m := state.New(tx, s.clock)
		running, err := m.RunningList(ctx)
		if err != nil {
			return err
		}
		for _, e := range running {
			if s.isTracked(e.TaskID) {
				continue
			}
			l := leftover{id: e.TaskID}
			if l.task, err = m.GetTask(ctx, e.TaskID); err != nil && !errors.Is(err, state.ErrTaskNotFound) {
				return err
			}
			if l.reported, err = m.HasResult(ctx, e.TaskID); err != nil {
				return err
			}
			out = append(out, l)
		}
		return nil
	})
	return out, err
}

// workerAlive reports whether t's worker is a process on this host that is
// still running, i.e. one that outlived a previous dispatcher.
func (s *Scheduler) workerAlive(t *task.Task) bool {
	if t == nil || t.WorkerPID == 0 || t.WorkerPID == s.pid || t.WorkerHost != s.host {
		return false
	}
	return s.alive(t.WorkerPID)
}

// relaunch settles the running list at startup. Tasks whose worker left a
// report are reaped from it and tasks whose worker process is still alive
// are adopted; Reap picks them up once they report. Everything else died
// with the previous instance and is queued again.
func (s *Scheduler) relaunch(ctx context.Context) error {
	left, err := s.leftovers(ctx)
	if err != nil {
		return err
	}
	if len(left) > 0 {
		s.log.Warn("reclaiming tasks left running", logx.Int("count", len(left)))
	}
	var errs []error
	for _, l := range left {
		switch {
		case l.task != nil && l.reported:
			s.log.Info("task finished while no dispatcher ran", logx.TaskID(l.id))
			errs = append(errs, s.reapOne(ctx, l.id, engine.Outcome{TaskID: l.id, Error: engine.ErrNoReport.Error()}))
		case s.workerAlive(l.task):
			s.log.Info("adopting running worker", logx.TaskID(l.id), logx.Int("pid", l.task.WorkerPID))
		default:
			errs = append(errs, s.reclaim(ctx, l.id, task.StatusQueued, "scheduler restarted"))
		}
	}
	return errors.Join(errs...)
}

// reapAdopted reaps adopted workers that have reported since the last cycle.
func (s *Scheduler) reapAdopted(ctx context.Context) error {
	left, err := s.leftovers(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, l := range left {
		if !l.reported {
			continue
		}
		if l.task == nil {
			err = s.reclaim(ctx, l.id, task.StatusFailed, "task record missing")
		} else {
			err = s.reapOne(ctx, l.id, engine.Outcome{TaskID: l.id, Error: engine.ErrNoReport.Error()})
		}
		if errors.Is(err, storage.ErrRetriesExhausted) {
			errs = append(errs, err)
		} else if err != nil {
			s.log.Error("reaping adopted worker failed", logx.TaskID(l.id), logx.Err(err))
		}
	}
	return errors.Join(errs...)
}

// reclaim tears a running task down, kills its worker if this instance owns
// one, and moves it to target (QUEUED or TERMINATED). A task that is not
// where the running list says goes to FAILED unchecked.
func (s *Scheduler) reclaim(ctx context.Context, id int64, target task.Status, reason string) error {
	var t *task.Task
	err := storage.View(ctx, s.store, func(tx *storage.Txn) error {
		var err error
		t, err = state.New(tx, s.clock).GetTask(ctx, id)
		return err
	})
	if errors.Is(err, state.ErrTaskNotFound) {
		s.log.Error("running list entry has no task, dropping", logx.TaskID(id))
		return storage.WithRetry(ctx, s.store, s.retry("drop running entry"), func(tx *storage.Txn) error {
			state.New(tx, s.clock).DropRunning(id)
			return nil
		})
	}
	if err != nil {
		return err
	}

	// tearDown runs once, outside the commit-retry unit.
	s.tearDown(ctx, t)
	if h, ok := s.untrack(id); ok {
		h.Kill()
	}

	final := target
	err = storage.WithRetry(ctx, s.store, s.retry("reclaim"), func(tx *storage.Txn) error {
		m := state.New(tx, s.clock)
		cur, err := m.GetTask(ctx, id)
		if err != nil {
			return err
		}
		// A leftover report belongs to the run being reclaimed.
		if _, _, err := m.TakeResult(ctx, id); err != nil {
			return err
		}
		final = target
		if target == task.StatusTerminated {
			now := s.clock.Now()
			cur.DontComeBack()
			cur.EndedOn = &now
		} else {
			cur.ResetRun()
		}
		cur.LastError = reason
		err = m.MoveTask(ctx, cur, task.StatusRunning, target, nil, false)
		if state.IsInconsistent(err) {
			s.log.Error("reclaimed task is inconsistent, failing it", logx.TaskID(id), logx.Err(err))
			final = task.StatusFailed
			return m.MoveTask(ctx, cur, task.StatusRunning, task.StatusFailed, nil, true)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("reclaim task %d: %w", id, err)
	}
	typ := eventbus.TaskRequeued
	if final != task.StatusQueued {
		typ = eventFor(final)
	}
	eventbus.Emit(s.bus, eventbus.Event{Type: typ, Time: s.clock.Now(), TaskID: id, Data: reason})
	return nil
}

func (s *Scheduler) tearDown(ctx context.Context, t *task.Task) {
	runner, err := s.registry.Lookup(t.Type)
	if err != nil {
		s.log.Warn("no runner to tear down", logx.TaskID(t.ID), logx.Err(err))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("tearDown panicked", logx.TaskID(t.ID), logx.Any("panic", r))
		}
	}()
	if err := task.TearDown(ctx, runner, t.Clone()); err != nil {
		s.log.Warn("tearDown failed", logx.TaskID(t.ID), logx.Err(err))
	}
}
