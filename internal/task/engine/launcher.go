package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	rtsup "tasksched/internal/runtime/supervisor"
	logx "tasksched/pkg/logx"
)

// Handle is the dispatcher's view of one in-flight worker.
type Handle interface {
	TaskID() int64
	// Done is closed when the worker has exited.
	Done() <-chan struct{}
	// Outcome returns the worker's report once Done is closed. ok is false
	// if the worker left nothing behind.
	Outcome() (out Outcome, ok bool)
	// Kill asks the worker to stop. It does not wait.
	Kill()
}

// Launcher starts workers. Workers outlive the ctx passed to Launch; Kill
// ends one early.
type Launcher interface {
	Launch(ctx context.Context, id int64) (Handle, error)
	// Wait blocks until every launched worker has exited or ctx is done.
	Wait(ctx context.Context) error
	// Stop refuses further launches. What happens to in-flight workers
	// depends on the launcher; see ThreadLauncher.Stop and
	// ProcessLauncher.Stop.
	Stop(ctx context.Context) error
	Snapshot() Snapshot
}

// handle is shared by both launchers.
type handle struct {
	id      int64
	done    chan struct{}
	outcome chan Outcome
	kill    func()

	once sync.Once
	out  Outcome
	ok   bool
}

func newHandle(id int64, kill func()) *handle {
	return &handle{id: id, done: make(chan struct{}), outcome: make(chan Outcome, 1), kill: kill}
}

func (h *handle) TaskID() int64         { return h.id }
func (h *handle) Done() <-chan struct{} { return h.done }
func (h *handle) Kill()                 { h.kill() }

func (h *handle) finish(out Outcome, ok bool) {
	if ok {
		h.outcome <- out
	}
	close(h.done)
}

func (h *handle) Outcome() (Outcome, bool) {
	select {
	case <-h.done:
	default:
		return Outcome{}, false
	}
	h.once.Do(func() {
		select {
		case h.out = <-h.outcome:
			h.ok = true
		default:
		}
	})
	return h.out, h.ok
}

// ThreadLauncher runs each worker in a supervised goroutine of this process.
type ThreadLauncher struct {
	worker *Worker
	sup    *rtsup.Supervisor
	log    logx.Logger

	inflight handles
	hist     history
}

func NewThreadLauncher(w *Worker, log logx.Logger) *ThreadLauncher {
	sup := rtsup.New(context.Background(), rtsup.WithLogger(log.With(logx.String("comp", "workers"))))
	return &ThreadLauncher{worker: w, sup: sup, log: log, hist: history{size: w.Config().HistorySize}}
}

func (l *ThreadLauncher) Launch(_ context.Context, id int64) (Handle, error) {
	if err := l.sup.Context().Err(); err != nil {
		return nil, ErrLauncherDown
	}
	ctx, cancel := context.WithCancel(l.sup.Context())
	h := newHandle(id, cancel)
	l.inflight.put(h)

	l.sup.GoContext(ctx, fmt.Sprintf("worker:%d", id), func(ctx context.Context) error {
		defer cancel()
		started := time.Now()
		// The outcome reaches the dispatcher through the handle even when
		// committing the report failed.
		out, _ := l.worker.Run(ctx, id)
		l.inflight.drop(id)
		l.hist.add(historyItem(out, started))
		h.finish(out, true)
		return nil
	})
	return h, nil
}

func (l *ThreadLauncher) Wait(ctx context.Context) error {
	for _, h := range l.inflight.all() {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stop cancels in-flight workers; goroutines cannot outlive the process.
// Their attempt transactions roll back and the next dispatcher requeues them.
func (l *ThreadLauncher) Stop(ctx context.Context) error {
	return l.sup.Stop(ctx)
}

func (l *ThreadLauncher) Snapshot() Snapshot {
	return Snapshot{Mode: "threads", Running: l.inflight.ids(), History: l.hist.list()}
}

func historyItem(out Outcome, started time.Time) HistoryItem {
	return HistoryItem{
		TaskID:    out.TaskID,
		Started:   started,
		Duration:  time.Since(started),
		Attempts:  out.Attempts,
		Succeeded: out.Succeeded,
		Error:     out.Error,
	}
}
