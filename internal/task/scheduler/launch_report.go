package scheduler

import (
	"time"

	logx "tasksched/pkg/logx"
)

const launchWarnThrottle = 5 * time.Second

// reportLaunchError logs a failed worker launch. A launcher that keeps
// failing (fork limits, missing binary) would otherwise log once per due
// task, so repeats of the same error are throttled.
func (s *Scheduler) reportLaunchError(id int64, err error) {
	if err == nil {
		return
	}
	key := err.Error()
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[key]
	if !last.IsZero() && now.Sub(last) < launchWarnThrottle {
		s.warnMu.Unlock()
		s.log.Debug("worker launch failed", logx.TaskID(id), logx.Err(err))
		return
	}
	s.lastWarn[key] = now
	if len(s.lastWarn) > 64 {
		for k, t := range s.lastWarn {
			if now.Sub(t) >= launchWarnThrottle {
				delete(s.lastWarn, k)
			}
		}
	}
	s.warnMu.Unlock()

	s.log.Error("worker launch failed, task failed", logx.TaskID(id), logx.Err(err))
}
