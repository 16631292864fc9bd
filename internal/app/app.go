package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"tasksched/internal/admin"
	"tasksched/internal/config"
	"tasksched/internal/eventbus"
	"tasksched/internal/task/client"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

// Options are the command-line switches of the daemon.
type Options struct {
	// Force starts the dispatcher even if the store says another one is running.
	Force bool
	// Exe is the binary re-executed by the process launcher; defaults to
	// os.Executable.
	Exe string
}

type App struct {
	env  *Env
	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	worker   *engine.Worker
	launcher engine.Launcher
	sched    *scheduler.Scheduler
	client   *client.Client
	admin    *admin.Server

	drained atomic.Bool
}

func NewApp(cfgPath string, opts Options) (*App, error) {
	env, err := Bootstrap(cfgPath)
	if err != nil {
		return nil, err
	}
	a, err := newApp(env, opts)
	if err != nil {
		_ = env.Close()
		return nil, err
	}
	return a, nil
}

func newApp(env *Env, opts Options) (*App, error) {
	cfg := env.Config
	log := env.Log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	settings, err := cfg.Scheduler.Settings()
	if err != nil {
		return nil, err
	}
	worker, err := env.Worker(bus)
	if err != nil {
		return nil, err
	}

	var launcher engine.Launcher
	switch settings.MultitaskMode {
	case config.ModeProcesses:
		if sc, err := mapStorageConfig(cfg); err != nil || !sc.Shared() {
			return nil, fmt.Errorf("multitask mode %q needs a storage driver shared between processes", settings.MultitaskMode)
		}
		exe := opts.Exe
		if exe == "" {
			if exe, err = os.Executable(); err != nil {
				return nil, fmt.Errorf("resolve executable: %w", err)
			}
		}
		launcher = engine.NewProcessLauncher(exe, env.CfgPath, env.Store, env.Clock,
			worker.Config().HistorySize, env.Log.With(logx.String("comp", "launcher")))
	default:
		launcher = engine.NewThreadLauncher(worker, env.Log.With(logx.String("comp", "launcher")))
	}
	log.Info("launcher ready", logx.String("mode", settings.MultitaskMode))

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(scheduler.Options{
		Store:    env.Store,
		Clock:    env.Clock,
		Launcher: launcher,
		Registry: env.Registry,
		Config:   scfg,
		Log:      env.Log.With(logx.String("comp", "scheduler")),
		Bus:      bus,
		Force:    opts.Force,
	})

	c := env.Client()
	var api *admin.Server
	if cfg.Admin.Enabled {
		api = admin.NewServer(cfg.Admin.Addr, cfg.Admin.Token, c, sched.Snapshot,
			env.Log.With(logx.String("comp", "admin")))
		if cfg.Admin.Pprof {
			api.MountProfiler()
		}
	}

	return &App{
		env:      env,
		cfgm:     env.Cfgm,
		log:      log,
		logs:     env.Logs,
		bus:      bus,
		worker:   worker,
		launcher: launcher,
		sched:    sched,
		client:   c,
		admin:    api,
	}, nil
}

func (a *App) Client() *client.Client { return a.client }

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error,
// drained shutdown command or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Reason tells why Done fired when the app stopped on its own.
func (a *App) Reason() StopReason {
	switch {
	case a.Err() != nil:
		return StopFatalError
	case a.drained.Load():
		return StopShutdownCommand
	default:
		return StopUnknown
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	a.sup.Go("dispatcher", func(c context.Context) error {
		err := a.sched.Run(c)
		if errors.Is(err, scheduler.ErrAlreadyRunning) {
			return fmt.Errorf("%w (use --force if it is not)", err)
		}
		if err != nil {
			return err
		}
		if c.Err() == nil {
			a.drained.Store(true)
			a.sup.Cancel()
		}
		return nil
	})

	if a.admin != nil {
		a.sup.Go("admin.http", a.admin.Start)
	}

	// Debug-level event log; useful when tailing a dispatcher.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if e.TaskID != 0 {
					fields = append(fields, logx.TaskID(e.TaskID))
				}
				a.log.Debug("event", fields...)
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a reloaded config into the live components. Storage,
// admin and launcher mode are fixed for the life of the process.
func (a *App) applyConfig(oldCfg, newCfg *Config) {
	sections, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart {
		a.log.Warn("config change needs a restart to take full effect", logx.String("changed", strings.Join(sections, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if scfg, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(scfg)
	}
	if ecfg, err := mapEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid worker config; keeping previous", logx.Err(err))
	} else {
		// History is sized when the launcher is built.
		ecfg.HistorySize = a.worker.Config().HistorySize
		a.worker.SetConfig(ecfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.env.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// The dispatcher and admin API exit on the cancelled context; wait for
	// them before touching workers or the store.
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	// Worker processes are never killed here: they finish on their own and
	// the next dispatcher reaps or adopts them. Goroutine workers cannot
	// outlive the process, so they get a grace period before cancellation.
	if _, detached := a.launcher.(*engine.ProcessLauncher); !detached {
		step("workers", 10*time.Second, func(c context.Context) error { return a.launcher.Wait(c) })
	}
	step("launcher", 3*time.Second, func(c context.Context) error { return a.launcher.Stop(c) })

	step("storage", 1*time.Second, func(c context.Context) error { return a.env.Store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
