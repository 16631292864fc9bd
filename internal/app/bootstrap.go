package app

import (
	"errors"
	"fmt"
	"path/filepath"

	"tasksched/internal/clock"
	"tasksched/internal/config"
	"tasksched/internal/eventbus"
	"tasksched/internal/runtime/supervisor"
	"tasksched/internal/storage"
	"tasksched/internal/task"
	"tasksched/internal/task/client"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/kinds"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

var NewConfigManager = config.NewConfigManager

var SummarizeConfigChange = config.SummarizeConfigChange

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

var NewSupervisor = supervisor.New

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError

// Env is the shared setup of every command: configuration, logging, the
// store and the kind registry. The daemon builds on it; one-shot commands
// (show, run, enqueue, worker) use it directly.
type Env struct {
	CfgPath  string
	Cfgm     *ConfigManager
	Config   *Config
	Logs     *logx.Service
	Log      logx.Logger
	Store    storage.Store
	Registry *task.Registry
	Clock    clock.Clock
}

// Bootstrap loads the configuration (plus .env files next to it and in the
// working directory), starts logging and opens the store.
func Bootstrap(cfgPath string) (*Env, error) {
	envFiles := []string{".env"}
	if cfgPath != "" {
		envFiles = append(envFiles, filepath.Join(filepath.Dir(cfgPath), ".env"))
	}
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	reg := task.NewRegistry()
	if err := kinds.Register(reg); err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return &Env{
		CfgPath:  cfgPath,
		Cfgm:     cfgm,
		Config:   cfg,
		Logs:     logSvc,
		Log:      log,
		Store:    st,
		Registry: reg,
		Clock:    clock.Real(),
	}, nil
}

func (e *Env) Client() *client.Client {
	s, _ := e.Config.Scheduler.Settings()
	return client.New(e.Store,
		client.WithClock(e.Clock),
		client.WithLogger(e.Log.With(logx.String("comp", "client"))),
		client.WithCommitRetries(s.CommitRetries),
	)
}

// Worker returns a worker configured from the scheduler section.
func (e *Env) Worker(bus eventbus.Bus) (*engine.Worker, error) {
	ec, err := mapEngineConfig(e.Config)
	if err != nil {
		return nil, err
	}
	return engine.NewWorker(e.Store, e.Clock, e.Registry, ec, e.Log.With(logx.String("comp", "worker")), bus), nil
}

func (e *Env) Close() error {
	var errs []error
	if e.Store != nil {
		errs = append(errs, e.Store.Close())
	}
	if e.Logs != nil {
		errs = append(errs, e.Logs.Close())
	}
	return errors.Join(errs...)
}

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *Config) (engine.Config, error) {
	s, err := cfg.Scheduler.Settings()
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		MaxTries:      s.TaskMaxTries,
		RetryBase:     s.RetryBase,
		CommitRetries: s.CommitRetries,
	}, nil
}

func mapSchedulerConfig(cfg *Config) (scheduler.Config, error) {
	s, err := cfg.Scheduler.Settings()
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		SleepInterval:        s.SleepInterval,
		AWOLCheckProbability: s.AWOLCheckProbability,
		AWOLThreshold:        s.AWOLThreshold,
		CommitRetries:        s.CommitRetries,
	}, nil
}
