package simcom

import (
	"context"
	"fmt"

	"github.com/jaracil/simcom/log2"
	"github.com/juju/errors"
)

// Outcome is the result of a retried operation. It replaces process wide
// success flags: callers inspect it and decide escalation.
type Outcome struct {
	Op       string
	Success  bool
	Attempts int
	// Err is the failure of the last attempt, nil on success
	Err error
}

// Exhausted reports that every attempt failed and the budget is spent.
func (o Outcome) Exhausted() bool {
	return !o.Success && !o.Aborted() && o.Attempts > 0
}

// Aborted reports that the operation stopped on an unrecoverable condition
// (closed channel, cancelled context) or was refused by a guard before any
// attempt.
func (o Outcome) Aborted() bool {
	if o.Success {
		return false
	}
	if o.Attempts == 0 {
		return true
	}
	switch errors.Cause(o.Err) {
	case ErrClosed, context.Canceled, context.DeadlineExceeded:
		return true
	}
	return false
}

func (o Outcome) String() string {
	switch {
	case o.Success:
		return fmt.Sprintf("%s ok attempts=%d", o.Op, o.Attempts)
	case o.Aborted():
		return fmt.Sprintf("%s aborted attempts=%d err=%v", o.Op, o.Attempts, o.Err)
	default:
		return fmt.Sprintf("%s exhausted attempts=%d err=%v", o.Op, o.Attempts, o.Err)
	}
}

// Attempt is one execution of a retried operation. attempt starts at 1.
// It reports success by returning (true, nil).
type Attempt func(ctx context.Context, attempt int) (bool, error)

// RetryPolicy re-executes an operation until it succeeds or MaxAttempts is
// reached. No delay is added between attempts: commands already carry
// their own settle time.
type RetryPolicy struct {
	MaxAttempts int
	Log         *log2.Log
}

// Execute runs op at most MaxAttempts times and stops at the first success.
// An ErrClosed failure or a done context ends the loop early.
func (p RetryPolicy) Execute(ctx context.Context, name string, op Attempt) Outcome {
	limit := p.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	out := Outcome{Op: name}
	for attempt := 1; attempt <= limit; attempt++ {
		if err := ctx.Err(); err != nil {
			out.Err = err
			return out
		}
		out.Attempts = attempt
		ok, err := op(ctx, attempt)
		if ok && err == nil {
			out.Success = true
			out.Err = nil
			return out
		}
		if err == nil {
			err = errors.Errorf("%s attempt %d did not succeed", name, attempt)
		}
		out.Err = err
		p.Log.Infof("%s attempt=%d/%d failed err=%v", name, attempt, limit, err)
		if errors.Cause(err) == ErrClosed {
			return out
		}
	}
	return out
}
