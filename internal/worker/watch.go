package worker

import (
	"context"
	"time"
)

// LoopMode selects how many cycles a Runner executes before returning
// control to its caller.
type LoopMode string

const (
	// LoopOnce runs exactly one cycle, productive or not, then returns.
	LoopOnce LoopMode = "once"
	// LoopDefault runs cycles back-to-back while each starts an agent, and
	// returns as soon as one cycle finds nothing to do.
	LoopDefault LoopMode = "default"
	// LoopWatch runs forever, sleeping between idle cycles, until ctx is
	// cancelled.
	LoopWatch LoopMode = "watch"
)

// RunLoop drives Runner cycles according to mode: "once" always returns
// after a single cycle; "default" keeps going as long as cycles are finding
// work; "watch" never returns on its own, polling every interval while idle.
func (r *Runner) RunLoop(ctx context.Context, mode LoopMode, interval time.Duration) error {
	switch mode {
	case LoopOnce:
		_, err := r.RunOnce(ctx)
		return err
	case LoopWatch:
		return r.RunWatch(ctx, interval)
	default:
		return r.runDefault(ctx)
	}
}

// runDefault implements LoopDefault: keep running cycles while they're
// starting agents, and return as soon as one comes back idle (no work, or a
// blocking gate) so the caller decides whether to wait and retry.
func (r *Runner) runDefault(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := r.RunOnce(ctx)
		if err != nil {
			return err
		}
		if result == nil || !result.Started {
			return nil
		}
	}
}

// RunWatch runs cycles until ctx is cancelled, sleeping interval after any
// cycle that found nothing to do so an idle repository doesn't busy-loop
// against the ticket store.
func (r *Runner) RunWatch(ctx context.Context, interval time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := r.RunOnce(ctx)
		if err != nil {
			r.emit("cycle.error", err.Error())
		}

		wait := interval
		if result != nil && result.Started {
			wait = 0 // look for more ready work immediately after a productive cycle
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}
