package state

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"tasksched/internal/clock"
	"tasksched/internal/storage"
	"tasksched/internal/task"
)

var t0 = time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)

type fixture struct {
	st  storage.Store
	clk *clock.Fake
}

func newFixture() *fixture {
	return &fixture{st: storage.NewMemory(), clk: clock.NewFake(t0)}
}

// do runs fn in a committed transaction.
func (f *fixture) do(t *testing.T, fn func(m *Module) error) {
	t.Helper()
	err := storage.WithRetry(context.Background(), f.st, storage.Retry{}, func(tx *storage.Txn) error {
		return fn(New(tx, f.clk))
	})
	if err != nil {
		t.Fatalf("txn: %v", err)
	}
}

func (f *fixture) queue(t *testing.T, start time.Time) *task.Task {
	t.Helper()
	tk, err := task.NewOneShot("sample", start, nil)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	f.do(t, func(m *Module) error {
		_, err := m.AddTaskToWaitingQueue(context.Background(), tk, true)
		return err
	})
	return tk
}

func TestIndexTaskAssignsIncreasingIDs(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	a := f.queue(t, t0)
	b := f.queue(t, t0)
	if a.ID != 1 || b.ID != 2 || a.Status != task.StatusQueued {
		t.Fatalf("ids %d %d status %v", a.ID, b.ID, a.Status)
	}

	u, _ := task.NewOneShot("sample", t0, nil)
	u.UID = "3f7e0d0c-uid"
	f.do(t, func(m *Module) error { return m.IndexTask(ctx, u) })
	f.do(t, func(m *Module) error {
		got, err := m.GetTaskByUID(ctx, u.UID)
		if err != nil {
			return err
		}
		if got.ID != 3 || got.Status != task.StatusSpooled {
			t.Errorf("by uid: %+v", got)
		}
		if _, err := m.GetTask(ctx, 99); !errors.Is(err, ErrTaskNotFound) || !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("missing task error: %v", err)
		}
		return nil
	})
}

func TestWaitingQueueOrder(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	late := f.queue(t, t0.Add(time.Hour))
	early := f.queue(t, t0.Add(time.Minute))
	f.queue(t, t0.Add(30*time.Minute))

	f.do(t, func(m *Module) error {
		e, ok, err := m.PeekNextWaitingTask(ctx)
		if err != nil || !ok {
			return err
		}
		if e.TaskID != early.ID || !e.Due.Equal(t0.Add(time.Minute)) {
			t.Errorf("peek = %+v", e)
		}
		list, _ := m.WaitingList(ctx)
		if len(list) != 3 || list[2].TaskID != late.ID {
			t.Errorf("list = %+v", list)
		}
		return nil
	})
}

func TestMoveTaskChecksSource(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	tk := f.queue(t, t0)

	// Wrong expected status: nothing may be written.
	before, _ := f.st.Scan(ctx, "")
	tx := storage.Begin(f.st)
	err := New(tx, f.clk).MoveTask(ctx, tk, task.StatusRunning, task.StatusFinished, nil, false)
	var inc *TaskInconsistentStatusError
	if !errors.As(err, &inc) || inc.Expected != task.StatusRunning || inc.Actual != task.StatusQueued {
		t.Fatalf("expected inconsistency, got %v", err)
	}
	if tx.Dirty() {
		t.Fatalf("failed move buffered writes")
	}
	tx.Abort()
	after, _ := f.st.Scan(ctx, "")
	if len(before) != len(after) {
		t.Fatalf("store changed")
	}

	// Right status but missing from the collection.
	f.do(t, func(m *Module) error {
		_, err := m.RemoveWaitingTask(ctx, tk)
		return err
	})
	f.do(t, func(m *Module) error {
		err := m.MoveTask(ctx, tk, task.StatusQueued, task.StatusRunning, nil, false)
		if !IsInconsistent(err) {
			t.Errorf("expected inconsistency for missing entry, got %v", err)
		}
		return nil
	})
}

func TestMoveTaskThroughLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	tk := f.queue(t, t0)

	f.do(t, func(m *Module) error {
		return m.MoveTask(ctx, tk, task.StatusQueued, task.StatusRunning, nil, false)
	})
	if tk.OnRunningListSince == nil || tk.Status != task.StatusRunning {
		t.Fatalf("not running: %+v", tk)
	}

	f.clk.Advance(time.Minute)
	end := f.clk.Now()
	tk.EndedOn = &end
	f.do(t, func(m *Module) error {
		return m.MoveTask(ctx, tk, task.StatusRunning, task.StatusFinished, nil, false)
	})
	if tk.OnRunningListSince != nil || tk.IndexKey == "" {
		t.Fatalf("after finish: %+v", tk)
	}

	f.do(t, func(m *Module) error {
		c, err := m.Counts(ctx)
		if err != nil {
			return err
		}
		if c != (Counts{Finished: 1}) {
			t.Errorf("counts = %+v", c)
		}
		got, err := m.FinishedBetween(ctx, t0, t0.Add(time.Hour))
		if err != nil {
			return err
		}
		if len(got) != 1 || got[0].TaskID != tk.ID || got[0].OccurrenceID != nil {
			t.Errorf("finished = %+v", got)
		}
		if none, _ := m.FinishedBetween(ctx, t0.Add(time.Hour), time.Time{}); len(none) != 0 {
			t.Errorf("range filter ignored: %+v", none)
		}
		stored, _ := m.GetTask(ctx, tk.ID)
		if stored.Status != task.StatusFinished {
			t.Errorf("stored status %v", stored.Status)
		}
		return nil
	})

	// A terminal task can be cleared from its index.
	f.do(t, func(m *Module) error {
		return m.MoveTask(ctx, tk, task.StatusFinished, task.StatusNone, nil, false)
	})
	f.do(t, func(m *Module) error {
		c, _ := m.Counts(ctx)
		if c != (Counts{}) || tk.IndexKey != "" {
			t.Errorf("counts = %+v index=%q", c, tk.IndexKey)
		}
		return nil
	})
}

func TestMoveOccurrence(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	tk, _ := task.NewPeriodic("sample", "@hourly", t0, nil)
	f.do(t, func(m *Module) error {
		_, err := m.AddTaskToWaitingQueue(ctx, tk, true)
		return err
	})
	f.do(t, func(m *Module) error {
		return m.MoveTask(ctx, tk, task.StatusQueued, task.StatusRunning, nil, false)
	})
	occ := task.NewOccurrence(tk, task.StatusFinished)
	tk.Periodic.AddOccurrence(occ)
	f.do(t, func(m *Module) error {
		return m.MoveTask(ctx, tk, task.StatusRunning, task.StatusFinished, occ, false)
	})
	if tk.Status != task.StatusRunning || tk.IndexKey != "" {
		t.Fatalf("occurrence move changed the task: %+v", tk)
	}
	f.do(t, func(m *Module) error {
		occs, err := m.Occurrences(ctx, tk.ID)
		if err != nil {
			return err
		}
		if len(occs) != 1 || occs[0].ID != 0 || occs[0].Status != task.StatusFinished {
			t.Errorf("occurrences = %+v", occs)
		}
		fin, _ := m.FinishedBetween(ctx, time.Time{}, time.Time{})
		if len(fin) != 1 || fin[0].OccurrenceID == nil || *fin[0].OccurrenceID != 0 {
			t.Errorf("finished = %+v", fin)
		}
		return nil
	})
}

func TestChangeTaskStartDate(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	tk := f.queue(t, t0.Add(time.Hour))
	old := tk.StartOn
	tk.StartOn = t0.Add(time.Minute)
	f.do(t, func(m *Module) error { return m.ChangeTaskStartDate(ctx, old, tk) })
	f.do(t, func(m *Module) error {
		list, _ := m.WaitingList(ctx)
		if len(list) != 1 || !list[0].Due.Equal(t0.Add(time.Minute)) {
			t.Errorf("waiting = %+v", list)
		}
		if err := m.ChangeTaskStartDate(ctx, old, tk); !IsInconsistent(err) {
			t.Errorf("stale old start accepted: %v", err)
		}
		return nil
	})
}

func TestSpoolFIFO(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	for _, uid := range []string{"a", "b", "c"} {
		f.do(t, func(m *Module) error {
			_, err := m.Spool(SpoolEntry{Op: OpDel, UID: uid})
			return err
		})
	}
	f.do(t, func(m *Module) error {
		if _, err := m.Spool(SpoolEntry{Op: "explode"}); err == nil {
			t.Errorf("unknown op accepted")
		}
		if _, err := m.Spool(SpoolEntry{Op: OpAdd}); err == nil {
			t.Errorf("add without task accepted")
		}
		return nil
	})

	var got []string
	for i := 0; i < 4; i++ {
		f.do(t, func(m *Module) error {
			e, ok, err := m.PopSpool(ctx)
			if ok {
				got = append(got, e.UID)
			}
			return err
		})
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("pop order = %v", got)
	}

	f.do(t, func(m *Module) error {
		_, _ = m.Spool(SpoolEntry{Op: OpShutdown, Message: "bye"})
		_, _ = m.Spool(SpoolEntry{Op: OpShutdown})
		return nil
	})
	f.do(t, func(m *Module) error {
		n, err := m.ClearSpool(ctx)
		if n != 2 {
			t.Errorf("cleared %d", n)
		}
		return err
	})
}

func TestSpoolSameInstantKeepsOrder(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	// The fixture clock never moves, so every key shares its timestamp.
	var want []string
	for i := 0; i < 50; i++ {
		uid := fmt.Sprintf("t%02d", i)
		want = append(want, uid)
		f.do(t, func(m *Module) error {
			_, err := m.Spool(SpoolEntry{Op: OpDel, UID: uid})
			return err
		})
	}
	var got []string
	f.do(t, func(m *Module) error {
		entries, err := m.GetSpool(ctx)
		for _, e := range entries {
			got = append(got, e.UID)
		}
		return err
	})
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("spool order = %v", got)
	}
}

func TestResultsAndStatusFlag(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	f.do(t, func(m *Module) error {
		if err := m.SetResult(Report{TaskID: 5, Succeeded: true, Attempts: 2}); err != nil {
			return err
		}
		return m.SetSchedulerStatus(&SchedulerStatus{State: StateRunning, Hostname: "h", PID: 42, StartedOn: t0})
	})
	f.do(t, func(m *Module) error {
		r, ok, err := m.TakeResult(ctx, 5)
		if err != nil || !ok || !r.Succeeded || r.Attempts != 2 {
			t.Errorf("take: %+v %v %v", r, ok, err)
		}
		s, ok, _ := m.GetSchedulerStatus(ctx)
		if !ok || s.PID != 42 {
			t.Errorf("status: %+v", s)
		}
		return m.SetSchedulerStatus(nil)
	})
	f.do(t, func(m *Module) error {
		if _, ok, _ := m.TakeResult(ctx, 5); ok {
			t.Errorf("result taken twice")
		}
		if _, ok, _ := m.GetSchedulerStatus(ctx); ok {
			t.Errorf("status not cleared")
		}
		return nil
	})
}

func TestRunningList(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	a := f.queue(t, t0)
	b := f.queue(t, t0)
	since := t0.Add(-time.Hour)
	f.do(t, func(m *Module) error {
		if err := m.AddTaskToRunningList(a, &since); err != nil {
			return err
		}
		return m.AddTaskToRunningList(b, nil)
	})
	f.do(t, func(m *Module) error {
		list, err := m.RunningList(ctx)
		if err != nil {
			return err
		}
		if len(list) != 2 || list[0].Since == nil || !list[0].Since.Equal(since) || list[1].Since != nil {
			t.Errorf("running = %+v", list)
		}
		return nil
	})
}
