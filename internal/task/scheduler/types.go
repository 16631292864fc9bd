package scheduler

import (
	"errors"
	"math/rand"
	"time"

	"tasksched/internal/clock"
	"tasksched/internal/eventbus"
	"tasksched/internal/storage"
	"tasksched/internal/task"
	"tasksched/internal/task/engine"
	logx "tasksched/pkg/logx"
)

// ErrAlreadyRunning is returned by Run when the running-status flag is held.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Config controls the dispatch loop.
type Config struct {
	// SleepInterval is the idle pause between cycles.
	SleepInterval time.Duration
	// AWOLCheckProbability is the chance, per idle cycle, of an AWOL scan.
	AWOLCheckProbability float64
	AWOLThreshold        time.Duration
	CommitRetries        int
}

func (c Config) withDefaults() Config {
	if c.SleepInterval <= 0 {
		c.SleepInterval = 10 * time.Second
	}
	if c.AWOLCheckProbability < 0 {
		c.AWOLCheckProbability = 0
	}
	if c.AWOLCheckProbability > 1 {
		c.AWOLCheckProbability = 1
	}
	if c.AWOLThreshold <= 0 {
		c.AWOLThreshold = 6000 * time.Second
	}
	if c.CommitRetries <= 0 {
		c.CommitRetries = storage.DefaultCommitRetries
	}
	return c
}

type Options struct {
	Store    storage.Store
	Clock    clock.Clock
	Launcher engine.Launcher
	// Registry resolves tearDown hooks.
	Registry *task.Registry
	Config   Config
	Log      logx.Logger
	Bus      eventbus.Bus
	Rand     *rand.Rand
	// Force takes over a running-status flag left by another instance.
	Force bool

	Hostname string
	PID      int
	// Alive reports whether a worker process left by a previous instance
	// is still running. Defaults to engine.ProcessAlive.
	Alive func(pid int) bool
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Config    Config
	StartedOn time.Time
	Cycles    uint64
	LastCycle time.Time
	Tracked   []int64
	Engine    engine.Snapshot
}
