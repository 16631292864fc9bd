package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tasksched/internal/admin"
	"tasksched/internal/app"
	"tasksched/internal/task"
	"tasksched/internal/task/client"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseWhen accepts RFC3339 or an offset from now ("+10m").
func parseWhen(raw string, now time.Time) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "+") {
		d, err := time.ParseDuration(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid offset %q: %w", raw, err)
		}
		t := now.Add(d).UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q (want RFC3339 or +duration)", raw)
	}
	t = t.UTC()
	return &t, nil
}

func zeroIfNil(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// lookupTask resolves a numeric id or a uid.
func lookupTask(ctx context.Context, c *client.Client, ref string) (*task.Task, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return c.GetTask(ctx, id)
	}
	return c.GetTaskByUID(ctx, ref)
}

func cmdShow(args []string, stdout io.Writer) error {
	fs, cfgPath := newFlags("show")
	from := fs.String("from", "", "failed/finished: lower bound (RFC3339 or +duration)")
	to := fs.String("to", "", "failed/finished: upper bound, exclusive")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return exitError{code: 2, msg: "show: what? (status, spool, task, failed, finished, occurrences, waiting, running)"}
	}
	what := fs.Arg(0)

	env, err := app.Bootstrap(*cfgPath)
	if err != nil {
		return err
	}
	defer env.Close()
	c := env.Client()
	ctx := context.Background()

	needRef := func() (*task.Task, error) {
		if fs.NArg() < 2 {
			return nil, exitError{code: 2, msg: fmt.Sprintf("show %s: task id or uid required", what)}
		}
		return lookupTask(ctx, c, fs.Arg(1))
	}

	var out any
	switch what {
	case "status":
		out, err = c.GetStatus(ctx)
	case "spool":
		out, err = c.GetSpool(ctx)
	case "task":
		out, err = needRef()
	case "occurrences":
		var t *task.Task
		if t, err = needRef(); err == nil {
			out, err = c.GetOccurrences(ctx, t.ID)
		}
	case "failed", "finished":
		now := env.Clock.Now()
		var lo, hi *time.Time
		if lo, err = parseWhen(*from, now); err != nil {
			return err
		}
		if hi, err = parseWhen(*to, now); err != nil {
			return err
		}
		if what == "failed" {
			out, err = c.GetFailed(ctx, zeroIfNil(lo), zeroIfNil(hi))
		} else {
			out, err = c.GetFinished(ctx, zeroIfNil(lo), zeroIfNil(hi))
		}
	case "waiting":
		out, err = c.GetWaiting(ctx)
	case "running":
		out, err = c.GetRunning(ctx)
	default:
		return exitError{code: 2, msg: fmt.Sprintf("show: unknown %q", what)}
	}
	if err != nil {
		return err
	}
	return printJSON(stdout, out)
}

// cmdRun executes a task synchronously. The task keeps its status and
// collections; only what the body itself writes is committed.
func cmdRun(args []string, stdout io.Writer) error {
	fs, cfgPath := newFlags("run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return exitError{code: 2, msg: "run: task id or uid required"}
	}
	env, err := app.Bootstrap(*cfgPath)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	t, err := lookupTask(ctx, env.Client(), fs.Arg(0))
	if err != nil {
		return err
	}
	w, err := env.Worker(nil)
	if err != nil {
		return err
	}
	out, err := w.RunDetached(ctx, t.ID)
	if err != nil {
		return err
	}
	if err := printJSON(stdout, out); err != nil {
		return err
	}
	if !out.Succeeded {
		return exitError{code: 1}
	}
	return nil
}

func cmdEnqueue(args []string, stdout io.Writer) error {
	fs, cfgPath := newFlags("enqueue")
	kind := fs.String("kind", "", "task kind (required)")
	start := fs.String("start", "", "start time, RFC3339 or +duration (default now)")
	expiry := fs.String("expiry", "", "drop the task if it starts after this time")
	params := fs.String("params", "", "JSON parameters; @file reads them from a file")
	rule := fs.String("rule", "", "recurrence rule (cron, @hourly, @every 1h, 30m, 14:30)")
	until := fs.String("until", "", "periodic: last possible occurrence")
	count := fs.Int("count", 0, "periodic: number of occurrences (0 is unbounded)")
	uid := fs.String("uid", "", "client-chosen uid (default random)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := app.Bootstrap(*cfgPath)
	if err != nil {
		return err
	}
	defer env.Close()

	now := env.Clock.Now()
	req := admin.TaskRequest{Type: *kind, Rule: *rule, Count: *count}
	if req.StartOn, err = parseWhen(*start, now); err != nil {
		return err
	}
	if req.ExpiryDate, err = parseWhen(*expiry, now); err != nil {
		return err
	}
	if req.Until, err = parseWhen(*until, now); err != nil {
		return err
	}
	if req.Params, err = readParams(*params); err != nil {
		return err
	}
	if _, err := env.Registry.Lookup(strings.TrimSpace(*kind)); err != nil {
		return fmt.Errorf("%w (known: %s)", err, strings.Join(env.Registry.Kinds(), ", "))
	}

	t, err := req.Build(now)
	if err != nil {
		return err
	}
	t.UID = strings.TrimSpace(*uid)
	got, err := env.Client().Enqueue(context.Background(), t)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, got)
	return nil
}

func readParams(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	b := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		var err error
		if b, err = os.ReadFile(raw[1:]); err != nil {
			return nil, err
		}
	}
	if !json.Valid(b) {
		return nil, errors.New("params: invalid JSON")
	}
	return json.RawMessage(b), nil
}

// cmdWorker is the child side of the process launcher. The outcome travels
// through the store; the exit code only tells whether it got there.
func cmdWorker(args []string) error {
	fs, cfgPath := newFlags("worker")
	id := fs.Int64("task", 0, "task id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id <= 0 {
		return exitError{code: 2, msg: "worker: --task is required"}
	}
	env, err := app.Bootstrap(*cfgPath)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	w, err := env.Worker(nil)
	if err != nil {
		return err
	}
	_, err = w.Run(ctx, *id)
	return err
}
