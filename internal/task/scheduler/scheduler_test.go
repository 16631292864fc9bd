package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"tasksched/internal/clock"
	"tasksched/internal/storage"
	"tasksched/internal/task"
	"tasksched/internal/task/client"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/state"
	logx "tasksched/pkg/logx"
)

var t0 = time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)

type env struct {
	st  storage.Store
	clk *clock.Fake
	s   *Scheduler
	c   *client.Client
}

func newEnv(t *testing.T, reg *task.Registry, tries int, cfg Config) *env {
	t.Helper()
	st := storage.NewMemory()
	clk := clock.NewFake(t0)
	w := engine.NewWorker(st, clk, reg, engine.Config{MaxTries: tries, RetryBase: 10 * time.Second}, logx.Nop(), nil)
	l := engine.NewThreadLauncher(w, logx.Nop())
	t.Cleanup(func() { _ = l.Stop(context.Background()) })
	if cfg.SleepInterval == 0 {
		cfg.SleepInterval = time.Second
	}
	s := New(Options{
		Store:    st,
		Clock:    clk,
		Launcher: l,
		Registry: reg,
		Config:   cfg,
		Log:      logx.Nop(),
		Rand:     rand.New(rand.NewSource(1)),
	})
	return &env{st: st, clk: clk, s: s, c: client.New(st, client.WithClock(clk))}
}

// step runs one cycle and waits for any worker it launched.
func (e *env) step(t *testing.T) bool {
	t.Helper()
	ctx := context.Background()
	stop, err := e.s.Step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.s.Wait(wctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	return stop
}

func (e *env) enqueue(t *testing.T, tk *task.Task) *task.Task {
	t.Helper()
	if _, err := e.c.Enqueue(context.Background(), tk); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return tk
}

func (e *env) get(t *testing.T, uid string) *task.Task {
	t.Helper()
	tk, err := e.c.GetTaskByUID(context.Background(), uid)
	if err != nil {
		t.Fatalf("get %s: %v", uid, err)
	}
	return tk
}

func oneShot(t *testing.T, kind string, at time.Time) *task.Task {
	t.Helper()
	tk, err := task.NewOneShot(kind, at, nil)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	return tk
}

func registry(kinds map[string]task.Runner) *task.Registry {
	reg := task.NewRegistry()
	for k, r := range kinds {
		reg.MustRegister(k, r)
	}
	return reg
}

var done = task.RunnerFunc(func(ctx context.Context, rc *task.RunContext) task.Result { return task.Done() })

func TestOneShotLifecycle(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	reg := registry(map[string]task.Runner{"k": task.RunnerFunc(func(ctx context.Context, rc *task.RunContext) task.Result {
		runs.Add(1)
		return task.Done()
	})})
	e := newEnv(t, reg, 3, Config{})
	tk := e.enqueue(t, oneShot(t, "k", t0.Add(2*time.Second)))

	// The add entry is only applied by the first cycle.
	if _, err := e.c.GetTaskByUID(context.Background(), tk.UID); err == nil {
		t.Fatalf("task indexed before the spool was drained")
	}
	var got *task.Task
	for i := 0; i < 10; i++ {
		e.step(t)
		if got = e.get(t, tk.UID); got.Status == task.StatusFinished {
			break
		}
	}
	if got.Status != task.StatusFinished || got.EndedOn == nil || runs.Load() != 1 {
		t.Fatalf("task = %+v runs=%d", got, runs.Load())
	}
	if e.clk.Now().Sub(t0) > 4*time.Second {
		t.Fatalf("finished only at %s", e.clk.Now())
	}
	fin, err := e.c.GetFinished(context.Background(), time.Time{}, time.Time{})
	if err != nil || len(fin) != 1 || fin[0].TaskID != got.ID {
		t.Fatalf("finished index = %+v %v", fin, err)
	}
	st, err := e.c.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Waiting != 0 || st.Running != 0 || st.Spooled != 0 || st.Finished != 1 || st.State != client.StateStopped {
		t.Fatalf("status = %+v", st)
	}
}

func TestEnqueueThenDequeueNeverRuns(t *testing.T) {
	t.Parallel()
	reg := registry(map[string]task.Runner{"k": task.RunnerFunc(func(ctx context.Context, rc *task.RunContext) task.Result {
		t.Error("dequeued task ran")
		return task.Done()
	})})
	e := newEnv(t, reg, 3, Config{})
	tk := e.enqueue(t, oneShot(t, "k", t0))
	if err := e.c.Dequeue(context.Background(), tk); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	e.step(t)
	e.step(t)
	if got := e.get(t, tk.UID); got.Status != task.StatusNone {
		t.Fatalf("status = %s", got.Status)
	}
	st, _ := e.c.GetStatus(context.Background())
	if st.Waiting != 0 || st.Running != 0 || st.Spooled != 0 {
		t.Fatalf("status = %+v", st)
	}
}

func TestFailingTaskEndsFailed(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	reg := registry(map[string]task.Runner{"k": task.RunnerFunc(func(ctx context.Context, rc *task.RunContext) task.Result {
		calls.Add(1)
		return task.Fail(errors.New("nope"))
	})})
	e := newEnv(t, reg, 3, Config{})
	tk := e.enqueue(t, oneShot(t, "k", t0))
	e.step(t) // add and promote
	e.step(t) // reap

	got := e.get(t, tk.UID)
	if got.Status != task.StatusFailed || got.LastError != "nope" || calls.Load() != 3 {
		t.Fatalf("task = %+v calls=%d", got, calls.Load())
	}
	failed, _ := e.c.GetFailed(context.Background(), time.Time{}, time.Time{})
	finished, _ := e.c.GetFinished(context.Background(), time.Time{}, time.Time{})
	if len(failed) != 1 || failed[0].Status != task.StatusFailed || len(finished) != 0 {
		t.Fatalf("failed=%+v finished=%+v", failed, finished)
	}
}

func TestStartFailedTask(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	reg := registry(map[string]task.Runner{"k": task.RunnerFunc(func(ctx context.Context, rc *task.RunContext) task.Result {
		if calls.Add(1) == 1 {
			return task.Fail(errors.New("first run fails"))
		}
		return task.Done()
	})})
	e := newEnv(t, reg, 1, Config{})
	tk := e.enqueue(t, oneShot(t, "k", t0))
	e.step(t)
	e.step(t)
	if got := e.get(t, tk.UID); got.Status != task.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}

	if err := e.c.StartFailedTask(context.Background(), tk); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	e.step(t)
	e.step(t)
	got := e.get(t, tk.UID)
	if got.Status != task.StatusFinished || got.LastError != "" {
		t.Fatalf("task = %+v", got)
	}
	failed, _ := e.c.GetFailed(context.Background(), time.Time{}, time.Time{})
	if len(failed) != 0 {
		t.Fatalf("failed index still holds %+v", failed)
	}
}

func TestMoveQueuedTask(t *testing.T) {
	t.Parallel()
	e := newEnv(t, registry(map[string]task.Runner{"k": done}), 1, Config{})
	tk := e.enqueue(t, oneShot(t, "k", t0.Add(time.Hour)))
	e.step(t)
	if err := e.c.MoveTask(context.Background(), tk, t0.Add(2*time.Hour)); err != nil {
		t.Fatalf("move: %v", err)
	}
	e.step(t)
	w, err := e.c.GetWaiting(context.Background())
	if err != nil || len(w) != 1 || !w[0].Due.Equal(t0.Add(2*time.Hour)) {
		t.Fatalf("waiting = %+v %v", w, err)
	}
}

func TestDequeueFinishedTask(t *testing.T) {
	t.Parallel()
	e := newEnv(t, registry(map[string]task.Runner{"k": done}), 1, Config{})
	tk := e.enqueue(t, oneShot(t, "k", t0))
	e.step(t)
	e.step(t)
	if err := e.c.Dequeue(context.Background(), tk); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	e.step(t)
	if got := e.get(t, tk.UID); got.Status != task.StatusNone || got.IndexKey != "" {
		t.Fatalf("task = %+v", got)
	}
	if fin, _ := e.c.GetFinished(context.Background(), time.Time{}, time.Time{}); len(fin) != 0 {
		t.Fatalf("finished = %+v", fin)
	}
}

func TestBadSpoolEntryIsDropped(t *testing.T) {
	t.Parallel()
	e := newEnv(t, registry(map[string]task.Runner{"k": done}), 1, Config{})
	ghost := &task.Task{UID: "does-not-exist", Type: "k"}
	if err := e.c.Dequeue(context.Background(), ghost); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	tk := e.enqueue(t, oneShot(t, "k", t0.Add(time.Hour)))
	e.step(t)
	if sp, _ := e.c.GetSpool(context.Background()); len(sp) != 0 {
		t.Fatalf("spool = %+v", sp)
	}
	if got := e.get(t, tk.UID); got.Status != task.StatusQueued {
		t.Fatalf("entry behind the bad one not applied: %s", got.Status)
	}
}

func TestPeriodicOccurrences(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	reg := registry(map[string]task.Runner{"tick": task.RunnerFunc(func(ctx context.Context, rc *task.RunContext) task.Result {
		runs.Add(1)
		return task.Done()
	})})
	e := newEnv(t, reg, 1, Config{SleepInterval: 30 * time.Minute})
	tk, err := task.NewPeriodic("tick", "@hourly", t0, nil)
	if err != nil {
		t.Fatalf("new periodic: %v", err)
	}
	e.enqueue(t, tk)

	ctx := context.Background()
	var occ []task.Occurrence
	for i := 0; i < 40 && len(occ) < 3; i++ {
		e.step(t)
		id := e.get(t, tk.UID).ID
		if occ, err = e.c.GetOccurrences(ctx, id); err != nil {
			t.Fatalf("occurrences: %v", err)
		}
	}
	if len(occ) != 3 || runs.Load() != 3 {
		t.Fatalf("occurrences = %+v runs=%d", occ, runs.Load())
	}
	for i, o := range occ {
		if o.ID != i || o.StartedOn == nil || o.EndedOn == nil || o.Status != task.StatusFinished {
			t.Fatalf("occurrence %d = %+v", i, o)
		}
	}
	if !occ[1].ScheduledFor.Equal(occ[0].ScheduledFor.Add(time.Hour)) {
		t.Fatalf("occurrences not an hour apart: %v %v", occ[0].ScheduledFor, occ[1].ScheduledFor)
	}
	got := e.get(t, tk.UID)
	if got.Status != task.StatusQueued && got.Status != task.StatusRunning {
		t.Fatalf("periodic task stopped recurring: %s", got.Status)
	}
	if got.Status == task.StatusQueued && got.StartedOn != nil {
		t.Fatalf("requeued task kept run stamps: %+v", got)
	}
	fin, _ := e.c.GetFinished(ctx, time.Time{}, time.Time{})
	if len(fin) != 3 || fin[0].OccurrenceID == nil || *fin[0].OccurrenceID != 0 {
		t.Fatalf("finished index = %+v", fin)
	}
}

func TestPeriodicDequeueStopsRecurring(t *testing.T) {
	t.Parallel()
	e := newEnv(t, registry(map[string]task.Runner{"tick": done}), 1, Config{SleepInterval: 30 * time.Minute})
	tk, err := task.NewPeriodic("tick", "@hourly", t0, nil)
	if err != nil {
		t.Fatalf("new periodic: %v", err)
	}
	e.enqueue(t, tk)
	e.step(t)
	if err := e.c.Dequeue(context.Background(), tk); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	e.step(t)
	got := e.get(t, tk.UID)
	if got.Status != task.StatusNone || got.Periodic.Repeat {
		t.Fatalf("task = %+v", got)
	}
}

type tearDownRunner struct {
	calls atomic.Int32
}

func (r *tearDownRunner) Run(ctx context.Context, rc *task.RunContext) task.Result { return task.Done() }

func (r *tearDownRunner) TearDown(ctx context.Context, t *task.Task) error {
	r.calls.Add(1)
	return nil
}

// putRunning writes a task straight onto the running list, as a dispatcher
// that died mid-run would have left it.
func putRunning(t *testing.T, e *env, kind string, since *time.Time) int64 {
	t.Helper()
	ctx := context.Background()
	tk := oneShot(t, kind, t0.Add(-3*time.Hour))
	err := storage.WithRetry(ctx, e.st, storage.Retry{Log: logx.Nop(), Op: "seed"}, func(tx *storage.Txn) error {
		tk.ID = 0
		m := state.New(tx, e.clk)
		if err := m.IndexTask(ctx, tk); err != nil {
			return err
		}
		return m.AddTaskToRunningList(tk, since)
	})
	if err != nil {
		t.Fatalf("seed running: %v", err)
	}
	return tk.ID
}

func TestAWOLTerminates(t *testing.T) {
	t.Parallel()
	td := &tearDownRunner{}
	e := newEnv(t, registry(map[string]task.Runner{"k": td}), 1, Config{AWOLThreshold: time.Hour})
	since := t0.Add(-2 * time.Hour)
	id := putRunning(t, e, "k", &since)
	ctx := context.Background()

	if err := e.s.CheckAWOL(ctx); err != nil {
		t.Fatalf("awol: %v", err)
	}
	if err := e.s.CheckAWOL(ctx); err != nil {
		t.Fatalf("second awol: %v", err)
	}
	got, err := e.c.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusTerminated || got.EndedOn == nil {
		t.Fatalf("task = %+v", got)
	}
	if n := td.calls.Load(); n != 1 {
		t.Fatalf("tearDown called %d times", n)
	}
	running, _ := e.c.GetRunning(ctx)
	failed, _ := e.c.GetFailed(ctx, time.Time{}, time.Time{})
	if len(running) != 0 || len(failed) != 1 || failed[0].Status != task.StatusTerminated {
		t.Fatalf("running=%+v failed=%+v", running, failed)
	}
}

func TestAWOLLeavesRecentTasks(t *testing.T) {
	t.Parallel()
	td := &tearDownRunner{}
	e := newEnv(t, registry(map[string]task.Runner{"k": td}), 1, Config{AWOLThreshold: time.Hour})
	since := t0.Add(-30 * time.Minute)
	id := putRunning(t, e, "k", &since)
	if err := e.s.CheckAWOL(context.Background()); err != nil {
		t.Fatalf("awol: %v", err)
	}
	if got, _ := e.c.GetTask(context.Background(), id); got.Status != task.StatusRunning || td.calls.Load() != 0 {
		t.Fatalf("recent task touched: %+v", got)
	}
}

func TestAWOLRequeuesMissingTimestamp(t *testing.T) {
	t.Parallel()
	td := &tearDownRunner{}
	e := newEnv(t, registry(map[string]task.Runner{"k": td}), 1, Config{})
	id := putRunning(t, e, "k", nil)
	if err := e.s.CheckAWOL(context.Background()); err != nil {
		t.Fatalf("awol: %v", err)
	}
	got, _ := e.c.GetTask(context.Background(), id)
	if got.Status != task.StatusQueued || td.calls.Load() != 1 {
		t.Fatalf("task = %+v teardowns=%d", got, td.calls.Load())
	}
	if w, _ := e.c.GetWaiting(context.Background()); len(w) != 1 || w[0].TaskID != id {
		t.Fatalf("waiting = %+v", w)
	}
}

func TestRunRelaunchesAndShutsDown(t *testing.T) {
	t.Parallel()
	td := &tearDownRunner{}
	e := newEnv(t, registry(map[string]task.Runner{"k": td}), 1, Config{})
	now := t0
	id := putRunning(t, e, "k", &now)
	ctx := context.Background()
	if err := e.c.Shutdown(ctx, "test over"); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if err := e.s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := e.c.GetTask(ctx, id)
	if got.Status != task.StatusQueued || td.calls.Load() != 1 {
		t.Fatalf("task = %+v teardowns=%d", got, td.calls.Load())
	}
	st, _ := e.c.GetStatus(ctx)
	if st.State != client.StateStopped || st.Spooled != 0 {
		t.Fatalf("status = %+v", st)
	}
}

// update commits fn against the store the way a worker process would.
func (e *env) update(t *testing.T, fn func(m *state.Module) error) {
	t.Helper()
	err := storage.WithRetry(context.Background(), e.st, storage.Retry{Log: logx.Nop(), Op: "update"}, func(tx *storage.Txn) error {
		return fn(state.New(tx, e.clk))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestRelaunchSettlesLeftoverWorkers(t *testing.T) {
	t.Parallel()
	td := &tearDownRunner{}
	e := newEnv(t, registry(map[string]task.Runner{"k": td}), 1, Config{})
	e.s.host, e.s.pid = "node-1", 100
	e.s.alive = func(pid int) bool { return pid == 4242 }
	ctx := context.Background()
	now := t0

	withWorker := func(id int64, host string, pid int) {
		e.update(t, func(m *state.Module) error {
			tk, err := m.GetTask(ctx, id)
			if err != nil {
				return err
			}
			tk.WorkerHost, tk.WorkerPID = host, pid
			return m.PutTask(tk)
		})
	}
	finished := func(id int64) {
		e.update(t, func(m *state.Module) error {
			return m.SetResult(state.Report{TaskID: id, Succeeded: true, Attempts: 1, EndedOn: &now})
		})
	}

	// Still running in a process that outlived the last dispatcher.
	live := putRunning(t, e, "k", &now)
	withWorker(live, "node-1", 4242)
	// Finished while no dispatcher was around.
	reported := putRunning(t, e, "k", &now)
	withWorker(reported, "node-1", 4343)
	finished(reported)
	// Died with the previous dispatcher.
	dead := putRunning(t, e, "k", &now)
	withWorker(dead, "node-1", 4444)
	// Alive pid, but on another host.
	remote := putRunning(t, e, "k", &now)
	withWorker(remote, "node-2", 4242)

	if err := e.s.relaunch(ctx); err != nil {
		t.Fatalf("relaunch: %v", err)
	}
	status := func(id int64) task.Status {
		t.Helper()
		got, err := e.c.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get %d: %v", id, err)
		}
		return got.Status
	}
	if s := status(live); s != task.StatusRunning {
		t.Fatalf("adopted task = %s", s)
	}
	if s := status(reported); s != task.StatusFinished {
		t.Fatalf("reported task = %s", s)
	}
	if s := status(dead); s != task.StatusQueued {
		t.Fatalf("dead task = %s", s)
	}
	if s := status(remote); s != task.StatusQueued {
		t.Fatalf("remote task = %s", s)
	}
	if n := td.calls.Load(); n != 2 {
		t.Fatalf("tearDown called %d times", n)
	}

	// The adopted worker reports; the next reap settles it.
	if err := e.s.Reap(ctx); err != nil {
		t.Fatalf("reap: %v", err)
	}
	if s := status(live); s != task.StatusRunning {
		t.Fatalf("adopted task reaped before reporting: %s", s)
	}
	finished(live)
	if err := e.s.Reap(ctx); err != nil {
		t.Fatalf("reap: %v", err)
	}
	if s := status(live); s != task.StatusFinished {
		t.Fatalf("adopted task = %s", s)
	}
	if running, _ := e.c.GetRunning(ctx); len(running) != 0 {
		t.Fatalf("running = %+v", running)
	}
}

func TestRunRefusesSecondInstance(t *testing.T) {
	t.Parallel()
	e := newEnv(t, task.NewRegistry(), 1, Config{})
	ctx := context.Background()
	err := storage.WithRetry(ctx, e.st, storage.Retry{Log: logx.Nop()}, func(tx *storage.Txn) error {
		return state.New(tx, e.clk).SetSchedulerStatus(&state.SchedulerStatus{State: state.StateRunning, Hostname: "elsewhere", PID: 42, StartedOn: t0})
	})
	if err != nil {
		t.Fatalf("seed flag: %v", err)
	}
	if err := e.s.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("run = %v, want ErrAlreadyRunning", err)
	}

	e.s.force = true
	if err := e.c.Shutdown(ctx, ""); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := e.s.Run(ctx); err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if st, _ := e.c.GetStatus(ctx); st.State != client.StateStopped {
		t.Fatalf("flag left behind: %+v", st)
	}
}

type brokenLauncher struct{}

func (brokenLauncher) Launch(context.Context, int64) (engine.Handle, error) {
	return nil, errors.New("fork: resource temporarily unavailable")
}
func (brokenLauncher) Wait(context.Context) error { return nil }
func (brokenLauncher) Stop(context.Context) error { return nil }
func (brokenLauncher) Snapshot() engine.Snapshot  { return engine.Snapshot{} }

func TestLaunchFailureFailsTask(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	clk := clock.NewFake(t0)
	s := New(Options{Store: st, Clock: clk, Launcher: brokenLauncher{}, Log: logx.Nop()})
	c := client.New(st, client.WithClock(clk))
	tk := oneShot(t, "k", t0)
	if _, err := c.Enqueue(context.Background(), tk); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	got, err := c.GetTaskByUID(context.Background(), tk.UID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusFailed || got.LastError == "" {
		t.Fatalf("task = %+v", got)
	}
}

func TestRunRealClock(t *testing.T) {
	if testing.Short() {
		t.Skip("runs against the wall clock")
	}
	t.Parallel()
	st := storage.NewMemory()
	reg := registry(map[string]task.Runner{"k": done})
	w := engine.NewWorker(st, clock.Real(), reg, engine.Config{MaxTries: 1}, logx.Nop(), nil)
	l := engine.NewThreadLauncher(w, logx.Nop())
	defer l.Stop(context.Background())
	s := New(Options{Store: st, Launcher: l, Registry: reg, Config: Config{SleepInterval: time.Second}, Log: logx.Nop()})
	c := client.New(st)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	tk := oneShot(t, "k", time.Now().Add(2*time.Second))
	if _, err := c.Enqueue(ctx, tk); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := c.GetTaskByUID(ctx, tk.UID)
		if err == nil && got.Status == task.StatusFinished {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task not finished in time: %+v %v", got, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
	if fin, _ := c.GetFinished(ctx, time.Time{}, time.Time{}); len(fin) != 1 {
		t.Fatalf("finished = %+v", fin)
	}
	if err := c.Shutdown(ctx, "done"); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
