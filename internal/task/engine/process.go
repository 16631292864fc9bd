package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"tasksched/internal/clock"
	"tasksched/internal/storage"
	"tasksched/internal/task/state"
	logx "tasksched/pkg/logx"
)

// killGrace is how long a worker process gets between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

// ProcessLauncher runs each worker as a child process:
//
//	<exe> worker --task <id> --config <path>
//
// The child commits its outcome to the shared store; the launcher reads it
// back once the process exits. Children run in their own process group and
// are not tied to the launcher: Stop leaves them running, and a worker that
// outlives the dispatcher is picked up again by the next one. Only Kill, used
// for AWOL tasks, ends a child early.
type ProcessLauncher struct {
	Exe        string
	ConfigPath string
	// Args are inserted before the worker subcommand.
	Args []string
	// Env is added to the parent's environment.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer

	store storage.Store
	clock clock.Clock
	log   logx.Logger

	closed atomic.Bool
	wg     sync.WaitGroup

	inflight handles
	hist     history
}

func NewProcessLauncher(exe, configPath string, st storage.Store, clk clock.Clock, historySize int, log logx.Logger) *ProcessLauncher {
	if clk == nil {
		clk = clock.Real()
	}
	return &ProcessLauncher{
		Exe:        exe,
		ConfigPath: configPath,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		store:      st,
		clock:      clk,
		log:        log,
		hist:       history{size: historySize},
	}
}

func (l *ProcessLauncher) command(id int64) *exec.Cmd {
	args := append([]string{}, l.Args...)
	args = append(args, "worker", "--task", strconv.FormatInt(id, 10))
	if l.ConfigPath != "" {
		args = append(args, "--config", l.ConfigPath)
	}
	cmd := exec.Command(l.Exe, args...) // #nosec G204
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	detach(cmd)
	return cmd
}

func (l *ProcessLauncher) Launch(_ context.Context, id int64) (Handle, error) {
	if l.closed.Load() {
		return nil, ErrLauncherDown
	}
	cmd := l.command(id)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}
	log := l.log.With(logx.TaskID(id), logx.Int("pid", cmd.Process.Pid))
	log.Debug("worker process started")

	exited := make(chan struct{})
	var killed atomic.Bool
	h := newHandle(id, func() {
		if killed.Swap(true) {
			return
		}
		if err := sendTermination(cmd.Process); err != nil {
			log.Warn("terminate worker process", logx.Err(err))
		}
		go func() {
			select {
			case <-exited:
			case <-time.After(killGrace):
				_ = cmd.Process.Kill()
			}
		}()
	})
	l.inflight.put(h)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		started := time.Now()
		waitErr := cmd.Wait()
		close(exited)

		out, ok := l.readOutcome(id, log)
		if !ok {
			out = Outcome{TaskID: id, Error: ErrNoReport.Error()}
			if waitErr != nil {
				out.Error = fmt.Sprintf("%s: %v", ErrNoReport, waitErr)
			}
			if killed.Load() {
				out.Error = ErrKilled.Error()
			}
			log.Warn("worker process left no report", logx.Err(waitErr))
		}
		l.inflight.drop(id)
		l.hist.add(historyItem(out, started))
		h.finish(out, true)
	}()
	return h, nil
}

// readOutcome peeks at result/<id> without consuming it; the dispatcher
// removes it when reaping.
func (l *ProcessLauncher) readOutcome(id int64, log logx.Logger) (Outcome, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var (
		out *state.Report
		ok  bool
	)
	err := storage.View(ctx, l.store, func(tx *storage.Txn) error {
		var err error
		out, ok, err = state.New(tx, l.clock).TakeResult(ctx, id)
		return err
	})
	if err != nil {
		log.Error("read worker result", logx.Err(err))
		return Outcome{}, false
	}
	if !ok {
		return Outcome{}, false
	}
	return *out, true
}

func (l *ProcessLauncher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses further launches and waits for in-flight workers until ctx
// is done. Workers still running then are left alone.
func (l *ProcessLauncher) Stop(ctx context.Context) error {
	l.closed.Store(true)
	if err := l.Wait(ctx); err != nil {
		l.log.Info("worker processes left running", logx.Any("tasks", l.inflight.ids()))
	}
	return nil
}

func (l *ProcessLauncher) Snapshot() Snapshot {
	return Snapshot{Mode: "processes", Running: l.inflight.ids(), History: l.hist.list()}
}

func sendTermination(p *os.Process) error {
	if p == nil {
		return nil
	}
	if runtime.GOOS == "windows" {
		return p.Kill()
	}
	return p.Signal(syscall.SIGTERM)
}
