package config

import (
	"strings"

	logx "tasksched/pkg/logx"
)

// SummarizeConfigChange lists the changed sections, log fields describing
// the new values (secrets are reported as set/unset only), and whether any
// change needs a restart to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	o, n := oldCfg.Scheduler, newCfg.Scheduler
	if o != n {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.sleep_interval", n.SleepInterval),
			logx.Float64("scheduler.awol_check_probability", n.AWOLCheckProbability),
			logx.String("scheduler.awol_threshold", n.AWOLThreshold),
			logx.Int("scheduler.task_max_tries", n.TaskMaxTries),
			logx.String("scheduler.retry_base", n.RetryBase),
		)
		// The launcher is built once.
		if !strings.EqualFold(strings.TrimSpace(o.MultitaskMode), strings.TrimSpace(n.MultitaskMode)) {
			restart = true
			attrs = append(attrs, logx.String("scheduler.multitask_mode", n.MultitaskMode))
		}
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = true
		attrs = append(attrs,
			logx.String("storage.driver", NormalizeDriver(newCfg.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
			logx.String("storage.redis_addr", strings.TrimSpace(newCfg.Storage.Redis.Addr)),
			logx.Bool("storage.redis_password_set", newCfg.Storage.Redis.Password != ""),
		)
	}

	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		restart = true
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
			logx.Bool("admin.pprof", newCfg.Admin.Pprof),
		)
	}
	return changed, attrs, restart
}
