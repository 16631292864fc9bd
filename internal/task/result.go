package task

import (
	"errors"
	"fmt"
	"time"
)

type ResultKind int

const (
	ResultDone ResultKind = iota
	ResultFail
	ResultDelay
)

func (k ResultKind) String() string {
	switch k {
	case ResultDone:
		return "done"
	case ResultFail:
		return "fail"
	case ResultDelay:
		return "delay"
	}
	return fmt.Sprintf("result(%d)", int(k))
}

// Result is what a task body returns from one attempt.
//
// A Delay asks the worker to pause and run the attempt again without
// counting it against the retry budget.
type Result struct {
	kind  ResultKind
	err   error
	delay time.Duration
}

func Done() Result { return Result{kind: ResultDone} }

// Fail reports a failed attempt. A nil err is replaced by a generic one.
func Fail(err error) Result {
	if err == nil {
		err = errors.New("task failed")
	}
	return Result{kind: ResultFail, err: err}
}

func Delay(d time.Duration) Result {
	if d < 0 {
		d = 0
	}
	return Result{kind: ResultDelay, delay: d}
}

// FromError is Done for nil and Fail otherwise.
func FromError(err error) Result {
	if err != nil {
		return Fail(err)
	}
	return Done()
}

func (r Result) Kind() ResultKind     { return r.kind }
func (r Result) Err() error           { return r.err }
func (r Result) After() time.Duration { return r.delay }
