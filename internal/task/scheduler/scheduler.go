package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"tasksched/internal/clock"
	"tasksched/internal/eventbus"
	"tasksched/internal/storage"
	"tasksched/internal/task"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/state"
	logx "tasksched/pkg/logx"
)

// Scheduler is the dispatcher. Run and Step must not be called
// concurrently; Apply and Snapshot may be called from anywhere.
type Scheduler struct {
	store    storage.Store
	clock    clock.Clock
	launcher engine.Launcher
	registry *task.Registry
	log      logx.Logger
	bus      eventbus.Bus
	rand     *rand.Rand
	force    bool
	host     string
	pid      int
	alive    func(pid int) bool

	mu        sync.Mutex
	cfg       Config
	tracked   map[int64]engine.Handle
	startedOn time.Time
	cycles    uint64
	lastCycle time.Time

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(opts Options) *Scheduler {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	reg := opts.Registry
	if reg == nil {
		reg = task.NewRegistry()
	}
	host := opts.Hostname
	if host == "" {
		host, _ = os.Hostname()
	}
	pid := opts.PID
	if pid == 0 {
		pid = os.Getpid()
	}
	alive := opts.Alive
	if alive == nil {
		alive = engine.ProcessAlive
	}
	return &Scheduler{
		store:    opts.Store,
		clock:    clk,
		launcher: opts.Launcher,
		registry: reg,
		log:      log,
		bus:      opts.Bus,
		rand:     rnd,
		force:    opts.Force,
		host:     host,
		pid:      pid,
		alive:    alive,
		cfg:      opts.Config.withDefaults(),
		tracked:  map[int64]engine.Handle{},
		lastWarn: map[string]time.Time{},
	}
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the loop settings; the next cycle picks them up.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Scheduler) retry(op string) storage.Retry {
	return storage.Retry{Ceiling: s.config().CommitRetries, Log: s.log, Op: op}
}

// Run claims the running-status flag, reclaims whatever a previous instance
// left on the running list and loops until a shutdown command is drained or
// ctx is cancelled. In-flight workers are left to finish; see Wait.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.claim(ctx); err != nil {
		return err
	}
	start := s.clock.Now()
	s.mu.Lock()
	s.startedOn = start
	s.mu.Unlock()
	s.log.Info("scheduler started", logx.String("host", s.host), logx.Int("pid", s.pid))
	eventbus.Emit(s.bus, eventbus.Event{Type: eventbus.SchedulerStarted, Time: start})

	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.release(rctx); err != nil {
			s.log.Error("running flag not cleared", logx.Err(err))
		}
		s.log.Info("scheduler stopped", logx.Duration("uptime", s.clock.Now().Sub(start)))
		eventbus.Emit(s.bus, eventbus.Event{Type: eventbus.SchedulerStopped, Time: s.clock.Now()})
	}()

	if err := s.relaunch(ctx); err != nil {
		s.log.Error("reclaiming running tasks failed", logx.Err(err))
	}

	for {
		stop, err := s.Step(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.log.Error("dispatch cycle failed", logx.Err(err))
			if stop {
				return nil
			}
			// Back off a full interval so a broken store doesn't spin.
			if err := s.clock.Sleep(ctx, s.config().SleepInterval); err != nil {
				return nil
			}
			continue
		}
		if stop {
			return nil
		}
	}
}

// Step runs one dispatch cycle. stop is true once a shutdown command has
// been drained; workers that already exited are still reaped first.
func (s *Scheduler) Step(ctx context.Context) (stop bool, err error) {
	cfg := s.config()
	defer func() {
		s.mu.Lock()
		s.cycles++
		s.lastCycle = s.clock.Now()
		s.mu.Unlock()
	}()

	stop, spoolErr := s.drainSpool(ctx)
	reapErr := s.Reap(ctx)
	if err := errors.Join(spoolErr, reapErr); err != nil || stop {
		return stop, err
	}

	promoted, err := s.promote(ctx)
	if err != nil || promoted {
		return false, err
	}

	if err := s.clock.Sleep(ctx, cfg.SleepInterval); err != nil {
		return false, nil
	}
	if cfg.AWOLCheckProbability > 0 && s.rand.Float64() < cfg.AWOLCheckProbability {
		if err := s.CheckAWOL(ctx); err != nil {
			return false, fmt.Errorf("awol check: %w", err)
		}
	}
	return false, nil
}

func (s *Scheduler) claim(ctx context.Context) error {
	return storage.WithRetry(ctx, s.store, s.retry("claim running flag"), func(tx *storage.Txn) error {
		m := state.New(tx, s.clock)
		cur, ok, err := m.GetSchedulerStatus(ctx)
		if err != nil {
			return err
		}
		if ok && cur.State == state.StateRunning {
			if !s.force {
				return fmt.Errorf("%w on %s (pid %d) since %s", ErrAlreadyRunning, cur.Hostname, cur.PID, cur.StartedOn.Format(time.RFC3339))
			}
			s.log.Warn("taking over running flag", logx.String("host", cur.Hostname), logx.Int("pid", cur.PID))
		}
		return m.SetSchedulerStatus(&state.SchedulerStatus{
			State:     state.StateRunning,
			Hostname:  s.host,
			PID:       s.pid,
			StartedOn: s.clock.Now(),
		})
	})
}

// release clears the flag if it is still ours.
func (s *Scheduler) release(ctx context.Context) error {
	return storage.WithRetry(ctx, s.store, s.retry("clear running flag"), func(tx *storage.Txn) error {
		m := state.New(tx, s.clock)
		cur, ok, err := m.GetSchedulerStatus(ctx)
		if err != nil || !ok {
			return err
		}
		if cur.Hostname != s.host || cur.PID != s.pid {
			return nil
		}
		return m.SetSchedulerStatus(nil)
	})
}

// promote moves the earliest due waiting task to the running list and
// launches a worker for it. It reports whether it did anything, so the
// caller can loop again without sleeping.
func (s *Scheduler) promote(ctx context.Context) (bool, error) {
	var (
		id    int64
		dirty bool
		bad   error
	)
	err := storage.WithRetry(ctx, s.store, s.retry("promote"), func(tx *storage.Txn) error {
		id, dirty, bad = 0, false, nil
		m := state.New(tx, s.clock)
		e, ok, err := m.PeekNextWaitingTask(ctx)
		if err != nil || !ok {
			return err
		}
		if e.Due.After(s.clock.Now()) {
			return nil
		}
		t, err := m.GetTask(ctx, e.TaskID)
		if err == nil {
			// A result left by an earlier run must not be reaped as this one's.
			if _, _, err = m.TakeResult(ctx, t.ID); err != nil {
				return err
			}
			err = m.MoveTask(ctx, t, task.StatusQueued, task.StatusRunning, nil, false)
		}
		switch {
		case err == nil:
			id = t.ID
			return nil
		case errors.Is(err, state.ErrTaskNotFound) || state.IsInconsistent(err):
			// Drop the stale entry so it cannot wedge the queue.
			tx.Delete(e.Key)
			dirty, bad = true, err
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return false, fmt.Errorf("promote: %w", err)
	}
	if bad != nil {
		s.log.Error("dropped stale waiting entry", logx.Err(bad))
		return dirty, nil
	}
	if id == 0 {
		return false, nil
	}
	return true, s.launch(ctx, id)
}

func (s *Scheduler) launch(ctx context.Context, id int64) error {
	if s.launcher == nil {
		return s.failLaunch(ctx, id, errors.New("no launcher configured"))
	}
	h, err := s.launcher.Launch(ctx, id)
	if err != nil {
		return s.failLaunch(ctx, id, err)
	}
	s.track(h)
	s.log.Debug("worker launched", logx.TaskID(id))
	return nil
}

// failLaunch moves a task that never got a worker straight to FAILED.
func (s *Scheduler) failLaunch(ctx context.Context, id int64, cause error) error {
	s.reportLaunchError(id, cause)
	err := storage.WithRetry(ctx, s.store, s.retry("fail launch"), func(tx *storage.Txn) error {
		m := state.New(tx, s.clock)
		t, err := m.GetTask(ctx, id)
		if err != nil {
			return err
		}
		t.LastError = "launch: " + cause.Error()
		t.DontComeBack()
		return m.MoveTask(ctx, t, task.StatusRunning, task.StatusFailed, nil, false)
	})
	if err != nil {
		return fmt.Errorf("fail launch of task %d: %w", id, err)
	}
	eventbus.Emit(s.bus, eventbus.Event{Type: eventbus.TaskFailed, Time: s.clock.Now(), TaskID: id, Data: cause.Error()})
	return nil
}

func (s *Scheduler) track(h engine.Handle) {
	s.mu.Lock()
	s.tracked[h.TaskID()] = h
	s.mu.Unlock()
}

func (s *Scheduler) untrack(id int64) (engine.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.tracked[id]
	delete(s.tracked, id)
	return h, ok
}

func (s *Scheduler) isTracked(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tracked[id]
	return ok
}

func (s *Scheduler) handles() []engine.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.Handle, 0, len(s.tracked))
	for _, h := range s.tracked {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID() < out[j].TaskID() })
	return out
}

// Wait blocks until every worker launched by this dispatcher has exited, or
// ctx is done. It does not reap them.
func (s *Scheduler) Wait(ctx context.Context) error {
	for _, h := range s.handles() {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Config:    s.cfg,
		StartedOn: s.startedOn,
		Cycles:    s.cycles,
		LastCycle: s.lastCycle,
	}
	for id := range s.tracked {
		snap.Tracked = append(snap.Tracked, id)
	}
	s.mu.Unlock()
	sort.Slice(snap.Tracked, func(i, j int) bool { return snap.Tracked[i] < snap.Tracked[j] })
	if s.launcher != nil {
		snap.Engine = s.launcher.Snapshot()
	}
	return snap
}
