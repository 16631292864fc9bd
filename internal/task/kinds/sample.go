package kinds

import (
	"context"
	"errors"
	"time"

	"tasksched/internal/config"
	"tasksched/internal/task"
	logx "tasksched/pkg/logx"
)

// SampleParams configures the sample kind.
//
//	{"sleep": "1s", "fail": false, "gone": false}
type SampleParams struct {
	Sleep string `json:"sleep,omitempty"`
	// Fail makes every attempt fail.
	Fail bool `json:"fail,omitempty"`
	// Gone vetoes the run in Prepare, as a task whose subject was deleted would.
	Gone bool `json:"gone,omitempty"`
}

// Sample sleeps on the scheduler clock and succeeds.
type Sample struct{}

func (Sample) params(rc *task.RunContext) (SampleParams, time.Duration, error) {
	var p SampleParams
	if err := rc.Decode(&p); err != nil {
		return p, 0, err
	}
	d, err := config.ParseDurationOrDefault("sleep", p.Sleep, time.Second)
	return p, d, err
}

func (s Sample) Prepare(ctx context.Context, rc *task.RunContext) error {
	p, _, err := s.params(rc)
	if err != nil {
		return err
	}
	if p.Gone {
		return task.ErrSelfCancel
	}
	return nil
}

func (s Sample) Run(ctx context.Context, rc *task.RunContext) task.Result {
	p, d, err := s.params(rc)
	if err != nil {
		return task.Fail(err)
	}
	rc.Log.Debug("sample task sleeping", logx.Duration("sleep", d))
	if err := rc.Sleep(ctx, d); err != nil {
		return task.Fail(err)
	}
	if p.Fail {
		return task.Fail(errors.New("sample task asked to fail"))
	}
	return task.Done()
}
