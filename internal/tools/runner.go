// ABOUTME: Policy layer around an executor: authorization, deadlines, retries.
// ABOUTME: Joins parallel calls from one turn back in request order.

package tools

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/seance-gateway/internal/conversation"
)

const (
	// DefaultInvokeTimeout bounds one tool call attempt.
	DefaultInvokeTimeout = 30 * time.Second

	// defaultAttempts bounds local retries of timed-out calls.
	defaultAttempts = 3

	// defaultBackoff is the first retry delay; it doubles per attempt.
	defaultBackoff = 500 * time.Millisecond
)

// RunnerOptions tune the policy layer. Zero values pick the defaults.
type RunnerOptions struct {
	InvokeTimeout time.Duration
	MaxAttempts   int
	BaseBackoff   time.Duration

	// Sleep is swapped out by tests.
	Sleep func(time.Duration)
}

// Runner authorizes, bounds, and retries tool calls for one conversation.
// Tool identity comes from the conversation's configuration snapshot, so
// a provider cannot talk the gateway into running capabilities the
// conversation was never granted.
type Runner struct {
	exec   Executor
	snap   conversation.Snapshot
	opts   RunnerOptions
	logger *slog.Logger
}

// NewRunner binds an executor to one conversation's snapshot.
func NewRunner(exec Executor, snap conversation.Snapshot, opts RunnerOptions, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = DefaultInvokeTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBackoff
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	return &Runner{
		exec:   exec,
		snap:   snap,
		opts:   opts,
		logger: logger.With("component", "tools"),
	}
}

// Invoke runs one authorized tool call with a per-attempt deadline.
// Timeouts retry with doubling backoff up to the attempt bound; all other
// failures surface after the first attempt.
func (r *Runner) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	if !r.snap.Allows(inv.Name) {
		return Result{}, NewError(ErrUnauthorized, inv.Name, "tool not in conversation snapshot")
	}

	delay := r.opts.BaseBackoff
	var lastErr *Error
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, r.opts.InvokeTimeout)
		res, err := r.exec.Invoke(cctx, inv)
		cancel()
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		lastErr = classify(inv.Name, err)
		if !lastErr.Retryable() || attempt == r.opts.MaxAttempts {
			break
		}
		r.logger.Warn("tool call timed out, retrying",
			"tool", inv.Name,
			"call_id", inv.ID,
			"attempt", attempt,
			"delay", delay,
		)
		r.opts.Sleep(delay)
		delay *= 2
	}
	return Result{}, lastErr
}

// InvokeAll runs every call in parallel and collects results in request
// order. Recoverable failures come back as error-flagged results carrying
// a structured observation; a fatal failure (unauthorized or invalid
// arguments) aborts the whole batch and cancels its siblings. The partial
// results are returned alongside the error: entries for calls that
// finished before the abort carry their real outcome, the rest are zero.
func (r *Runner) InvokeAll(ctx context.Context, invs []Invocation) ([]Result, error) {
	results := make([]Result, len(invs))

	g, gctx := errgroup.WithContext(ctx)
	for i, inv := range invs {
		g.Go(func() error {
			res, err := r.Invoke(gctx, inv)
			if err == nil {
				results[i] = res
				return nil
			}

			var terr *Error
			if errors.As(err, &terr) && terr.Recoverable() {
				results[i] = Result{
					CallID:  inv.ID,
					Name:    inv.Name,
					Content: Observation(inv, terr),
					IsError: true,
				}
				return nil
			}
			return err
		})
	}
	return results, g.Wait()
}
