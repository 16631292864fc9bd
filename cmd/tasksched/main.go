package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tasksched/internal/app"
	"tasksched/internal/task/client"
	"tasksched/pkg/systemd"
)

const usage = `usage: tasksched <command> [flags] [args]

commands:
  start [--force]           run the dispatcher in the foreground
  stop [--wait d]           ask the running dispatcher to shut down
  restart [--force]         stop, wait for the running flag to clear, start
  check                     exit 0 if a dispatcher is running
  show <what> [id]          status | spool | task | failed | finished | occurrences | waiting | running
  run <id>                  execute one task here, outside the dispatcher
  enqueue --kind k [...]    submit a task
  worker --task <id>        run one task for a dispatcher (used by processes mode)

every command takes --config (default $TASKSCHED_CONFIG)
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	cmd, rest := args[0], args[1:]
	var err error
	switch cmd {
	case "start":
		err = cmdStart(rest, stderr, false)
	case "restart":
		err = cmdStart(rest, stderr, true)
	case "stop":
		err = cmdStop(rest, stdout)
	case "check":
		err = cmdCheck(rest, stdout)
	case "show":
		err = cmdShow(rest, stdout)
	case "run":
		err = cmdRun(rest, stdout)
	case "enqueue":
		err = cmdEnqueue(rest, stdout)
	case "worker":
		err = cmdWorker(rest)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}
	if err == nil {
		return 0
	}
	var ee exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			fmt.Fprintln(stderr, ee.msg)
		}
		return ee.code
	}
	if errors.Is(err, flag.ErrHelp) {
		return 2
	}
	fmt.Fprintln(stderr, "fatal:", err)
	return 1
}

// exitError ends the process with code without the "fatal:" prefix.
type exitError struct {
	code int
	msg  string
}

func (e exitError) Error() string { return e.msg }

func newFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfgPath := fs.String("config", os.Getenv("TASKSCHED_CONFIG"), "path to config (json or yaml)")
	return fs, cfgPath
}

func cmdStart(args []string, stderr io.Writer, restart bool) error {
	name := "start"
	if restart {
		name = "restart"
	}
	fs, cfgPath := newFlags(name)
	force := fs.Bool("force", false, "start even if the store says a dispatcher is running")
	wait := fs.Duration("wait", time.Minute, "restart: how long to wait for the old dispatcher")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if restart {
		env, err := app.Bootstrap(*cfgPath)
		if err != nil {
			return err
		}
		err = stopAndWait(env.Client(), "restart", *wait, io.Discard)
		_ = env.Close()
		if err != nil {
			return err
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.NewApp(*cfgPath, app.Options{Force: *force})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}
	_, _ = systemd.Ready()
	_, _ = systemd.Status("dispatching")
	go func() { _ = systemd.Watchdog(ctx) }()

	var reason app.StopReason
	select {
	case s := <-sigs:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = a.Reason()
	}
	_, _ = systemd.Stopping()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func cmdStop(args []string, stdout io.Writer) error {
	fs, cfgPath := newFlags("stop")
	msg := fs.String("message", "", "note stored with the shutdown command")
	wait := fs.Duration("wait", 0, "wait until the dispatcher has stopped (0 returns at once)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	env, err := app.Bootstrap(*cfgPath)
	if err != nil {
		return err
	}
	defer env.Close()
	return stopAndWait(env.Client(), *msg, *wait, stdout)
}

// stopAndWait spools a shutdown when a dispatcher is running and polls the
// running flag until it clears or wait elapses.
func stopAndWait(c *client.Client, msg string, wait time.Duration, stdout io.Writer) error {
	ctx := context.Background()
	st, err := c.GetStatus(ctx)
	if err != nil {
		return err
	}
	if st.State == client.StateStopped {
		fmt.Fprintln(stdout, "scheduler is not running")
		return nil
	}
	if err := c.Shutdown(ctx, msg); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "shutdown requested (%s, pid %d)\n", st.Hostname, st.PID)
	if wait <= 0 {
		return nil
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		time.Sleep(500 * time.Millisecond)
		st, err := c.GetStatus(ctx)
		if err != nil {
			return err
		}
		if st.State == client.StateStopped {
			fmt.Fprintln(stdout, "scheduler stopped")
			return nil
		}
	}
	return exitError{code: 1, msg: fmt.Sprintf("scheduler still running after %s", wait)}
}

func cmdCheck(args []string, stdout io.Writer) error {
	fs, cfgPath := newFlags("check")
	if err := fs.Parse(args); err != nil {
		return err
	}
	env, err := app.Bootstrap(*cfgPath)
	if err != nil {
		return err
	}
	defer env.Close()
	st, err := env.Client().GetStatus(context.Background())
	if err != nil {
		return err
	}
	if st.State == client.StateStopped {
		return exitError{code: 1, msg: "scheduler is not running"}
	}
	since := ""
	if st.StartedOn != nil {
		since = " since " + st.StartedOn.Format(time.RFC3339)
	}
	fmt.Fprintf(stdout, "scheduler is running on %s (pid %d)%s\n", st.Hostname, st.PID, since)
	return nil
}
