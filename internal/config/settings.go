package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SchedulerSettings is SchedulerConfig with durations parsed and defaults applied.
type SchedulerSettings struct {
	MultitaskMode        string
	SleepInterval        time.Duration
	AWOLCheckProbability float64
	AWOLThreshold        time.Duration
	TaskMaxTries         int
	RetryBase            time.Duration
	CommitRetries        int
}

func (c SchedulerConfig) Settings() (SchedulerSettings, error) {
	def := Default().Scheduler
	s := SchedulerSettings{
		MultitaskMode:        strings.ToLower(strings.TrimSpace(c.MultitaskMode)),
		AWOLCheckProbability: c.AWOLCheckProbability,
		TaskMaxTries:         c.TaskMaxTries,
		CommitRetries:        c.CommitRetries,
	}
	if s.MultitaskMode == "" {
		s.MultitaskMode = ModeThreads
	}
	var err error
	if s.SleepInterval, err = ParseDurationOrDefault("scheduler.sleep_interval", c.SleepInterval, mustDur(def.SleepInterval)); err != nil {
		return s, err
	}
	if s.AWOLThreshold, err = ParseDurationOrDefault("scheduler.awol_threshold", c.AWOLThreshold, mustDur(def.AWOLThreshold)); err != nil {
		return s, err
	}
	// retry_base may legitimately be "0s" (retry immediately).
	if strings.TrimSpace(c.RetryBase) == "" {
		s.RetryBase = mustDur(def.RetryBase)
	} else if s.RetryBase, err = ParseDurationField("scheduler.retry_base", c.RetryBase); err != nil {
		return s, err
	}
	if s.TaskMaxTries <= 0 {
		s.TaskMaxTries = def.TaskMaxTries
	}
	if s.CommitRetries <= 0 {
		s.CommitRetries = def.CommitRetries
	}
	return s, nil
}

func mustDur(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}

// NormalizeDriver folds driver aliases ("mem", "sqlite3") to their canonical name.
func NormalizeDriver(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	switch d {
	case "", "mem", "memory":
		return "memory"
	case "sqlite3":
		return "sqlite"
	default:
		return d
	}
}

// Validate checks cross-field constraints. It is used on load and as the
// hot-reload gate.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	s, err := cfg.Scheduler.Settings()
	if err != nil {
		errs = append(errs, err)
	}
	switch s.MultitaskMode {
	case ModeThreads, ModeProcesses:
	default:
		errs = append(errs, fmt.Errorf("scheduler.multitask_mode: unknown mode %q", cfg.Scheduler.MultitaskMode))
	}
	if p := cfg.Scheduler.AWOLCheckProbability; p < 0 || p > 1 {
		errs = append(errs, fmt.Errorf("scheduler.awol_check_probability: %v is outside [0,1]", p))
	}

	driver := NormalizeDriver(cfg.Storage.Driver)
	switch driver {
	case "memory":
	case "file", "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=%s", driver))
		}
	case "redis":
		if strings.TrimSpace(cfg.Storage.Redis.Addr) == "" {
			errs = append(errs, errors.New("storage.redis.addr is required when storage.driver=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	// Worker processes open the store themselves.
	if s.MultitaskMode == ModeProcesses && driver != "sqlite" && driver != "redis" {
		errs = append(errs, fmt.Errorf("scheduler.multitask_mode=processes needs a shared storage driver (sqlite or redis), got %q", driver))
	}

	if cfg.Admin.Enabled && strings.TrimSpace(cfg.Admin.Addr) == "" {
		errs = append(errs, errors.New("admin.addr is required when admin.enabled=true"))
	}
	return errors.Join(errs...)
}
