package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "1h40m") or a quoted
// number of seconds ("6000").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Admin     AdminConfig     `json:"admin"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig tunes the dispatch loop and the workers.
//
//   - multitask_mode: "threads" runs workers as goroutines, "processes" re-executes
//     the binary per task (requires a shared storage driver).
//   - sleep_interval: idle sleep between dispatch cycles.
//   - awol_check_probability: chance per idle cycle of scanning the running list.
//   - awol_threshold: how long a task may stay on the running list.
//   - task_max_tries: attempts per run.
//   - retry_base: backoff unit; attempt n waits n*retry_base.
//   - commit_retries: ceiling for conflicting commits.
type SchedulerConfig struct {
	MultitaskMode        string  `json:"multitask_mode"`
	SleepInterval        string  `json:"sleep_interval"`
	AWOLCheckProbability float64 `json:"awol_check_probability"`
	AWOLThreshold        string  `json:"awol_threshold"`
	TaskMaxTries         int     `json:"task_max_tries"`
	RetryBase            string  `json:"retry_base"`
	CommitRetries        int     `json:"commit_retries"`
}

// StorageConfig selects the state backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tasksched.db" }
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// AdminConfig controls the HTTP control API.
//
// Prefer binding to localhost. Token enables bearer auth and is never logged.
// Pprof mounts the runtime profiler under /debug/pprof.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}

const (
	ModeThreads   = "threads"
	ModeProcesses = "processes"
)

// Default returns the configuration used for omitted fields.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Scheduler: SchedulerConfig{
			MultitaskMode:        ModeThreads,
			SleepInterval:        "10s",
			AWOLCheckProbability: 0.3,
			AWOLThreshold:        "6000s",
			TaskMaxTries:         10,
			RetryBase:            "10s",
			CommitRetries:        10,
		},
		Storage: StorageConfig{
			Driver:      "sqlite",
			Path:        "./data/tasksched.db",
			BusyTimeout: "1s",
			Redis:       RedisConfig{Addr: "127.0.0.1:6379", Prefix: "tasksched:"},
		},
		Admin: AdminConfig{Addr: "127.0.0.1:7090"},
	}
}
