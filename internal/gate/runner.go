package gate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CheckFunc produces the evidence for one rule. Implementations may shell out
// or call remote services; the runner bounds each call with a timeout.
type CheckFunc func(ctx context.Context) (bool, error)

// Runner collects evidence by executing check functions. A check that errors
// or times out yields failed evidence with the error detail; the remaining
// checks still run.
type Runner struct {
	Timeout time.Duration
	Log     *zap.Logger
}

const defaultCheckTimeout = 30 * time.Second

// Collect runs every check and returns the combined evidence. It never
// returns an error: evaluation of a gate must not abort because one check
// misbehaved.
func (r Runner) Collect(ctx context.Context, checks map[string]CheckFunc) Evidence {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	ev := make(Evidence, len(checks))
	for name, fn := range checks {
		ev[name] = runOne(ctx, name, fn, timeout, log)
	}
	return ev
}

func runOne(ctx context.Context, name string, fn CheckFunc, timeout time.Duration, log *zap.Logger) Check {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		passed bool
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("check panicked: %v", p)}
			}
		}()
		passed, err := fn(cctx)
		done <- outcome{passed: passed, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			log.Warn("gate check failed", zap.String("rule", name), zap.Error(out.err))
			return Check{Passed: false, Detail: out.err.Error()}
		}
		return Check{Passed: out.passed}
	case <-cctx.Done():
		log.Warn("gate check timed out", zap.String("rule", name), zap.Duration("timeout", timeout))
		return Check{Passed: false, Detail: "check timed out after " + timeout.String()}
	}
}
