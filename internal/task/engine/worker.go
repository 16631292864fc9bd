package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"tasksched/internal/clock"
	"tasksched/internal/eventbus"
	"tasksched/internal/storage"
	"tasksched/internal/task"
	"tasksched/internal/task/state"
	logx "tasksched/pkg/logx"
)

// Worker executes the attempt cycle of one task at a time. It is safe to call
// Run from several goroutines; each call owns its task.
type Worker struct {
	store    storage.Store
	clock    clock.Clock
	registry *task.Registry
	log      logx.Logger
	bus      eventbus.Bus
	host     string
	pid      int

	mu  sync.RWMutex
	cfg Config
}

func NewWorker(st storage.Store, clk clock.Clock, reg *task.Registry, cfg Config, log logx.Logger, bus eventbus.Bus) *Worker {
	if clk == nil {
		clk = clock.Real()
	}
	if reg == nil {
		reg = task.NewRegistry()
	}
	host, _ := os.Hostname()
	return &Worker{
		store:    st,
		clock:    clk,
		registry: reg,
		log:      log,
		bus:      bus,
		host:     host,
		pid:      os.Getpid(),
		cfg:      cfg.withDefaults(),
	}
}

func (w *Worker) Config() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// SetConfig applies to attempt cycles started afterwards.
func (w *Worker) SetConfig(cfg Config) {
	w.mu.Lock()
	w.cfg = cfg.withDefaults()
	w.mu.Unlock()
}

// Run executes task id and commits the outcome to the store so the
// dispatcher can reap it. The returned error is non-nil only when the
// outcome could not be committed.
func (w *Worker) Run(ctx context.Context, id int64) (Outcome, error) {
	return w.run(ctx, id, true)
}

// RunDetached executes task id without touching the task record or leaving a
// result behind. Writes the body makes through its attempt transaction still
// commit.
func (w *Worker) RunDetached(ctx context.Context, id int64) (Outcome, error) {
	return w.run(ctx, id, false)
}

func (w *Worker) run(ctx context.Context, id int64, persist bool) (Outcome, error) {
	cfg := w.Config()
	log := w.log.With(logx.TaskID(id))
	started := w.clock.Now()
	out := Outcome{TaskID: id}

	t, runner, err := w.load(ctx, id)
	if err != nil {
		out.Error = err.Error()
		log.Error("task cannot run", logx.Err(err))
		return w.report(ctx, cfg, out, persist, log)
	}
	log = log.With(logx.String("kind", t.Type))

	if st := t.StartTime(); st != nil {
		if d := st.Sub(w.clock.Now()); d > 0 {
			log.Debug("task started early, waiting", logx.Duration("wait", d))
			if err := w.clock.Sleep(ctx, d); err != nil {
				out.Error = ErrKilled.Error()
				return w.report(ctx, cfg, out, persist, log)
			}
		}
	}

	now := w.clock.Now()
	if t.Expired(now) {
		out.Expired = true
		out.Error = fmt.Sprintf("expired on %s", t.ExpiryDate.Format(time.RFC3339))
		log.Info("task expired, not running", logx.Time("expiry", *t.ExpiryDate))
		return w.report(ctx, cfg, out, persist, log)
	}

	if persist {
		if err := w.markStarted(ctx, cfg, t, now, log); err != nil {
			out.Error = err.Error()
			return w.report(ctx, cfg, out, persist, log)
		}
	}
	t.StartedOn = &now
	eventbus.Emit(w.bus, eventbus.Event{Type: eventbus.TaskStarted, Time: now, TaskID: id, Data: t.Type})

	if err := w.prepare(ctx, t, runner, log); err != nil {
		if errors.Is(err, task.ErrSelfCancel) {
			out.Vetoed = true
			log.Info("task vetoed its run", logx.Err(err))
		} else {
			log.Warn("task prepare failed", logx.Err(err))
		}
		out.Error = err.Error()
		return w.report(ctx, cfg, out, persist, log)
	}

	out.Attempts, out.Error, out.EndedOn = w.attempts(ctx, cfg, t, runner, persist, log)
	out.Succeeded = out.EndedOn != nil

	if out.Succeeded {
		log.Info("task completed", logx.Int("attempts", out.Attempts), logx.Duration("took", w.clock.Now().Sub(started)))
	} else {
		log.Warn("task gave up", logx.Int("attempts", out.Attempts), logx.String("error", out.Error))
	}
	return w.report(ctx, cfg, out, persist, log)
}

func (w *Worker) load(ctx context.Context, id int64) (*task.Task, task.Runner, error) {
	var t *task.Task
	err := storage.View(ctx, w.store, func(tx *storage.Txn) error {
		var err error
		t, err = state.New(tx, w.clock).GetTask(ctx, id)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	runner, err := w.registry.Lookup(t.Type)
	if err != nil {
		return nil, nil, err
	}
	return t, runner, nil
}

func (w *Worker) markStarted(ctx context.Context, cfg Config, t *task.Task, now time.Time, log logx.Logger) error {
	return storage.WithRetry(ctx, w.store, storage.Retry{Ceiling: cfg.CommitRetries, Log: log, Op: "mark started"}, func(tx *storage.Txn) error {
		m := state.New(tx, w.clock)
		cur, err := m.GetTask(ctx, t.ID)
		if err != nil {
			return err
		}
		cur.StartedOn = &now
		cur.EndedOn = nil
		cur.WorkerHost, cur.WorkerPID = w.host, w.pid
		return m.PutTask(cur)
	})
}

// prepare runs the optional pre-flight hook against a transaction that is
// always rolled back.
func (w *Worker) prepare(ctx context.Context, t *task.Task, runner task.Runner, log logx.Logger) (err error) {
	tx := storage.Begin(w.store)
	defer tx.Abort()
	rc := task.NewRunContext(t.Clone(), 0, tx, w.clock, log, nil)
	defer func() {
		if r := recover(); r != nil {
			log.Error("task prepare panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("prepare panic: %v", r)
		}
	}()
	return task.Prepare(ctx, runner, rc)
}

// attempts runs the retry loop and flushes the side effects of the
// successful attempt. endedOn is nil when every attempt failed.
func (w *Worker) attempts(ctx context.Context, cfg Config, t *task.Task, runner task.Runner, persist bool, log logx.Logger) (n int, lastErr string, endedOn *time.Time) {
	for n = 1; n <= cfg.MaxTries; {
		if ctx.Err() != nil {
			return n - 1, ErrKilled.Error(), nil
		}
		res, outbox, ended := w.attempt(ctx, t, runner, n, persist, log)
		switch res.Kind() {
		case task.ResultDone:
			if err := outbox.Flush(ctx); err != nil {
				log.Warn("deferred effects failed", logx.Err(err))
			}
			return n, "", &ended
		case task.ResultDelay:
			log.Debug("task delayed itself", logx.Int("attempt", n), logx.Duration("delay", res.After()))
			if err := w.clock.Sleep(ctx, res.After()); err != nil {
				return n - 1, ErrKilled.Error(), nil
			}
			continue
		}

		err := res.Err()
		lastErr = err.Error()
		log.Warn("task attempt failed", logx.Int("attempt", n), logx.Int("max_tries", cfg.MaxTries), logx.Err(err))
		eventbus.Emit(w.bus, eventbus.Event{Type: eventbus.TaskAttemptFailed, Time: w.clock.Now(), TaskID: t.ID, Data: lastErr})
		if IsNoRetry(err) || n >= cfg.MaxTries {
			return n, lastErr, nil
		}
		if d := backoff(n, cfg.RetryBase, err); d > 0 {
			if err := w.clock.Sleep(ctx, d); err != nil {
				return n, ErrKilled.Error(), nil
			}
		}
		n++
	}
	return cfg.MaxTries, lastErr, nil
}

// attempt runs the body once inside its own transaction. A successful body
// commits together with the task's EndedOn stamp; anything else rolls back
// and drops the queued side effects.
func (w *Worker) attempt(ctx context.Context, t *task.Task, runner task.Runner, n int, persist bool, log logx.Logger) (task.Result, *task.Outbox, time.Time) {
	tx := storage.Begin(w.store)
	outbox := &task.Outbox{}
	rc := task.NewRunContext(t.Clone(), n, tx, w.clock, log.With(logx.Int("attempt", n)), outbox)

	res := w.call(ctx, runner, rc, log)
	if res.Kind() != task.ResultDone {
		tx.Abort()
		outbox.Discard()
		return res, nil, time.Time{}
	}

	ended := w.clock.Now()
	if persist {
		m := state.New(tx, w.clock)
		cur, err := m.GetTask(ctx, t.ID)
		if err == nil {
			cur.EndedOn = &ended
			cur.LastError = ""
			err = m.PutTask(cur)
		}
		if err != nil {
			tx.Abort()
			outbox.Discard()
			return task.Fail(err), nil, time.Time{}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		outbox.Discard()
		return task.Fail(fmt.Errorf("commit attempt: %w", err)), nil, time.Time{}
	}
	return res, outbox, ended
}

// call guards against task panics: one bad task body must not take the
// process down.
func (w *Worker) call(ctx context.Context, runner task.Runner, rc *task.RunContext, log logx.Logger) (res task.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", logx.Int("attempt", rc.Attempt), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res = task.Fail(fmt.Errorf("panic: %v", r))
		}
	}()
	return runner.Run(ctx, rc)
}

func (w *Worker) report(ctx context.Context, cfg Config, out Outcome, persist bool, log logx.Logger) (Outcome, error) {
	eventbus.Emit(w.bus, eventbus.Event{Type: eventbus.TaskCompleted, Time: w.clock.Now(), TaskID: out.TaskID, Data: out})
	if !persist {
		return out, nil
	}
	// A killed worker leaves no report; the dispatcher already reclaimed
	// the task.
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	err := storage.WithRetry(ctx, w.store, storage.Retry{Ceiling: cfg.CommitRetries, Log: log, Op: "report result"}, func(tx *storage.Txn) error {
		return state.New(tx, w.clock).SetResult(out)
	})
	if err != nil {
		log.Error("task result not reported", logx.Err(err))
	}
	return out, err
}
