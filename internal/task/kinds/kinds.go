// Package kinds holds the task kinds shipped with the scheduler.
package kinds

import (
	"net/http"
	"time"

	"tasksched/internal/task"
)

const (
	KindSample = "sample"
	KindHTTP   = "http"
	KindShell  = "shell"
)

// Register adds every built-in kind to reg.
func Register(reg *task.Registry) error {
	for _, k := range []struct {
		name string
		run  task.Runner
	}{
		{KindSample, Sample{}},
		{KindHTTP, NewHTTP(nil)},
		{KindShell, Shell{}},
	} {
		if err := reg.Register(k.name, k.run); err != nil {
			return err
		}
	}
	return nil
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}
