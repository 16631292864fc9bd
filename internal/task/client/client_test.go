package client

import (
	"context"
	"testing"
	"time"

	"tasksched/internal/clock"
	"tasksched/internal/storage"
	"tasksched/internal/task"
	"tasksched/internal/task/state"
	logx "tasksched/pkg/logx"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newClient(t *testing.T) (*Client, storage.Store, *clock.Fake) {
	t.Helper()
	st := storage.NewMemory()
	clk := clock.NewFake(t0)
	return New(st, WithClock(clk), WithLogger(logx.Nop())), st, clk
}

func TestEnqueueSpoolsAdd(t *testing.T) {
	t.Parallel()
	c, _, _ := newClient(t)
	ctx := context.Background()
	tk, err := task.NewOneShot("k", t0.Add(time.Minute), map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	uid, err := c.Enqueue(ctx, tk)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if uid == "" || tk.UID != uid || !tk.CreatedOn.Equal(t0) {
		t.Fatalf("uid=%q task=%+v", uid, tk)
	}
	sp, err := c.GetSpool(ctx)
	if err != nil || len(sp) != 1 {
		t.Fatalf("spool = %+v %v", sp, err)
	}
	if sp[0].Op != state.OpAdd || sp[0].UID != uid || sp[0].Task == nil || sp[0].Task.Type != "k" {
		t.Fatalf("entry = %+v", sp[0])
	}

	// Nothing else moves until a dispatcher drains the spool.
	if _, err := c.GetTaskByUID(ctx, uid); err == nil {
		t.Fatal("task indexed before drain")
	}
}

func TestEnqueueRejects(t *testing.T) {
	t.Parallel()
	c, _, _ := newClient(t)
	ctx := context.Background()
	for name, tk := range map[string]*task.Task{
		"nil":     nil,
		"indexed": {ID: 4, Type: "k", StartOn: t0},
		"no kind": {StartOn: t0},
	} {
		if _, err := c.Enqueue(ctx, tk); err == nil {
			t.Fatalf("%s: enqueue succeeded", name)
		}
	}
	if sp, _ := c.GetSpool(ctx); len(sp) != 0 {
		t.Fatalf("spool = %+v", sp)
	}
}

func TestMutationsKeepOrder(t *testing.T) {
	t.Parallel()
	c, _, clk := newClient(t)
	ctx := context.Background()
	tk := &task.Task{UID: "u-1", Type: "k"}
	at := t0.Add(time.Hour)

	steps := []func() error{
		func() error { return c.MoveTask(ctx, tk, at) },
		func() error { return c.StartFailedTask(ctx, tk) },
		func() error { return c.Dequeue(ctx, tk) },
		func() error { return c.Shutdown(ctx, "bye") },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		clk.Advance(time.Millisecond)
	}

	sp, err := c.GetSpool(ctx)
	if err != nil || len(sp) != 4 {
		t.Fatalf("spool = %+v %v", sp, err)
	}
	if sp[0].Op != state.OpChange || sp[0].FromFailed || !sp[0].StartOn.Equal(at) {
		t.Fatalf("move = %+v", sp[0])
	}
	if sp[1].Op != state.OpChange || !sp[1].FromFailed || sp[1].StartOn == nil {
		t.Fatalf("restart = %+v", sp[1])
	}
	if sp[2].Op != state.OpDel || sp[2].UID != "u-1" {
		t.Fatalf("del = %+v", sp[2])
	}
	if sp[3].Op != state.OpShutdown || sp[3].Message != "bye" {
		t.Fatalf("shutdown = %+v", sp[3])
	}

	n, err := c.ClearSpool(ctx)
	if err != nil || n != 4 {
		t.Fatalf("clear = %d %v", n, err)
	}
	if sp, _ := c.GetSpool(ctx); len(sp) != 0 {
		t.Fatalf("spool after clear = %+v", sp)
	}
}

func TestMutationsNeedUID(t *testing.T) {
	t.Parallel()
	c, _, _ := newClient(t)
	ctx := context.Background()
	tk := &task.Task{Type: "k"}
	if err := c.Dequeue(ctx, tk); err == nil {
		t.Fatal("dequeue without uid succeeded")
	}
	if err := c.MoveTask(ctx, nil, t0); err == nil {
		t.Fatal("move of nil task succeeded")
	}
	if err := c.StartFailedTask(ctx, tk); err == nil {
		t.Fatal("restart without uid succeeded")
	}
}

func TestGetStatus(t *testing.T) {
	t.Parallel()
	c, st, clk := newClient(t)
	ctx := context.Background()

	got, err := c.GetStatus(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.State != StateStopped || got.StartedOn != nil || got.Waiting != 0 {
		t.Fatalf("status = %+v", got)
	}

	err = storage.WithRetry(ctx, st, storage.Retry{Log: logx.Nop()}, func(tx *storage.Txn) error {
		m := state.New(tx, clk)
		tk := &task.Task{Type: "k", StartOn: t0}
		if _, err := m.AddTaskToWaitingQueue(ctx, tk, true); err != nil {
			return err
		}
		return m.SetSchedulerStatus(&state.SchedulerStatus{State: state.StateRunning, Hostname: "box", PID: 7, StartedOn: t0})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := c.Shutdown(ctx, ""); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	got, err = c.GetStatus(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.State != state.StateRunning || got.Hostname != "box" || got.PID != 7 || got.StartedOn == nil || !got.StartedOn.Equal(t0) {
		t.Fatalf("status = %+v", got)
	}
	if got.Waiting != 1 || got.Spooled != 1 || got.Running != 0 {
		t.Fatalf("counts = %+v", got.Counts)
	}

	w, err := c.GetWaiting(ctx)
	if err != nil || len(w) != 1 || !w[0].Due.Equal(t0) {
		t.Fatalf("waiting = %+v %v", w, err)
	}
	tk, err := c.GetTask(ctx, w[0].TaskID)
	if err != nil || tk.Status != task.StatusQueued {
		t.Fatalf("task = %+v %v", tk, err)
	}
}
