package kinds

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"tasksched/internal/config"
	"tasksched/internal/task"
	"tasksched/internal/task/engine"
	logx "tasksched/pkg/logx"
)

// ShellParams configures the shell kind.
//
//	{"command": "backup.sh --quick", "timeout": "5m", "dir": "/srv"}
type ShellParams struct {
	Command string   `json:"command"`
	Timeout string   `json:"timeout,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// outputTail is how much of a failed command's output ends up in the error.
const outputTail = 512

// Shell runs a command through the system shell. A non-zero exit fails the
// attempt; a timeout does too.
type Shell struct{}

func (Shell) Run(ctx context.Context, rc *task.RunContext) task.Result {
	var p ShellParams
	if err := rc.Decode(&p); err != nil {
		return task.Fail(engine.NoRetry(err))
	}
	if strings.TrimSpace(p.Command) == "" {
		return task.Fail(engine.NoRetry(errors.New("shell task: command required")))
	}
	timeout, err := config.ParseDurationField("timeout", p.Timeout)
	if err != nil {
		return task.Fail(engine.NoRetry(err))
	}

	cmdCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var out tailBuffer
	cmd := commandForTask(cmdCtx, p.Command)
	cmd.Dir = p.Dir
	if len(p.Env) > 0 {
		cmd.Env = append(os.Environ(), p.Env...)
	}
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.Cancel = func() error { return sendTermination(cmd.Process) }
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err = cmd.Run()
	log := rc.Log.With(logx.String("command", p.Command), logx.Duration("took", time.Since(start)))
	switch {
	case err == nil:
		log.Debug("shell task done")
		return task.Done()
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		log.Warn("shell task timed out", logx.Duration("timeout", timeout))
		return task.Fail(fmt.Errorf("command timed out after %s", timeout))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return task.Fail(fmt.Errorf("command exited with %d: %s", exitErr.ExitCode(), out.String()))
	}
	return task.Fail(fmt.Errorf("run command: %w", err))
}

func commandForTask(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command) // #nosec G204
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command) // #nosec G204
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

// tailBuffer keeps the last outputTail bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - outputTail; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(bytes.TrimSpace(b.buf))
}
