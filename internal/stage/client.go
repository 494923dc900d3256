package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy bounds the latency and retries of one stage
type Policy struct {
	// AttemptTimeout is the deadline of a single attempt
	AttemptTimeout time.Duration
	// Deadline bounds the whole call including retries and backoff
	Deadline time.Duration
	// MaxAttempts counts the first attempt, 1 disables retries
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Validate checks the policy
func (p Policy) Validate() error {
	if p.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt timeout must be positive, got %v", p.AttemptTimeout)
	}
	if p.Deadline < p.AttemptTimeout {
		return fmt.Errorf("deadline (%v) must not be shorter than attempt timeout (%v)", p.Deadline, p.AttemptTimeout)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff <= 0 {
		return fmt.Errorf("initial backoff must be positive, got %v", p.InitialBackoff)
	}
	if p.MaxBackoff < p.InitialBackoff {
		return fmt.Errorf("max backoff (%v) must not be less than initial backoff (%v)", p.MaxBackoff, p.InitialBackoff)
	}
	if p.MaxBackoff >= p.Deadline {
		return fmt.Errorf("max backoff (%v) must be below the deadline (%v)", p.MaxBackoff, p.Deadline)
	}
	return nil
}

// WorstCase is the time every attempt running to its timeout takes, including
// the backoff between attempts
func (p Policy) WorstCase() time.Duration {
	total := time.Duration(p.MaxAttempts) * p.AttemptTimeout
	backoff := p.InitialBackoff
	for i := 1; i < p.MaxAttempts; i++ {
		total += min(backoff, p.MaxBackoff)
		backoff *= 2
	}
	return total
}

// Recorder receives per-call stage measurements
type Recorder interface {
	RecordStageAttempt(stage string, retry bool)
	RecordStageResult(stage, outcome string, attempts int, durationSeconds float64)
}

// Func performs one attempt against a collaborator
type Func[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Client wraps one collaborator call with deadlines, retries and cancellation.
// It keeps no state between calls, so one Client serves every session.
type Client[Req, Resp any] struct {
	name     Name
	policy   Policy
	call     Func[Req, Resp]
	logger   *slog.Logger
	recorder Recorder
}

// NewClient creates a stage client. recorder may be nil.
func NewClient[Req, Resp any](name Name, policy Policy, call Func[Req, Resp], logger *slog.Logger, recorder Recorder) (*Client[Req, Resp], error) {
	if name == "" {
		return nil, fmt.Errorf("stage name cannot be empty")
	}
	if call == nil {
		return nil, fmt.Errorf("%s: call function is required", name)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("%s policy: %w", name, err)
	}
	if worst := policy.WorstCase(); worst > policy.Deadline {
		logger.Warn("Stage deadline cuts retries short",
			slog.String("stage", string(name)),
			slog.Duration("deadline", policy.Deadline),
			slog.Duration("worst_case", worst),
			slog.Int("max_attempts", policy.MaxAttempts),
		)
	}

	return &Client[Req, Resp]{
		name:     name,
		policy:   policy,
		call:     call,
		logger:   logger,
		recorder: recorder,
	}, nil
}

// Name returns the stage this client calls
func (c *Client[Req, Resp]) Name() Name {
	return c.name
}

// Policy returns the client's retry policy
func (c *Client[Req, Resp]) Policy() Policy {
	return c.policy
}

// Call invokes the collaborator. Transient failures are retried with capped
// exponential backoff; any failure is returned as *Error tagged with the stage.
// When ctx ends the call returns a Cancelled error and drops any late result.
func (c *Client[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	var zero Resp
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, c.policy.Deadline)
	defer cancel()

	var backoff retry.Backoff
	backoff = retry.NewExponential(c.policy.InitialBackoff)
	backoff = retry.WithCappedDuration(c.policy.MaxBackoff, backoff)
	backoff = retry.WithMaxRetries(uint64(c.policy.MaxAttempts-1), backoff)

	var (
		result   Resp
		attempts int
		lastErr  *Error
	)

	err := retry.Do(callCtx, backoff, func(rctx context.Context) error {
		attempts++
		if c.recorder != nil {
			c.recorder.RecordStageAttempt(string(c.name), attempts > 1)
		}

		attemptCtx, cancelAttempt := context.WithTimeout(rctx, c.policy.AttemptTimeout)
		defer cancelAttempt()

		resp, err := c.call(attemptCtx, req)
		if err == nil {
			result = resp
			return nil
		}

		serr := Classify(err)
		if attemptCtx.Err() == context.DeadlineExceeded && rctx.Err() == nil && serr.Reason != ReasonTimeout {
			// The attempt ran out of time even if the collaborator reported otherwise
			serr = &Error{Reason: ReasonTimeout, Err: err, noRetry: serr.noRetry}
		}
		lastErr = serr

		c.logger.Warn("Stage attempt failed",
			slog.String("stage", string(c.name)),
			slog.Int("attempt", attempts),
			slog.Int("max_attempts", c.policy.MaxAttempts),
			slog.String("reason", string(serr.Reason)),
			slog.Bool("transient", serr.Transient()),
			slog.String("error", err.Error()),
		)

		if serr.Transient() {
			return retry.RetryableError(serr)
		}
		return serr
	})

	elapsed := time.Since(start)

	if ctx.Err() != nil {
		// Caller went away: nothing from this call may surface
		cerr := &Error{Stage: c.name, Reason: ReasonCancelled, Attempts: attempts, Err: ctx.Err()}
		c.record(string(cerr.Reason), attempts, elapsed)
		return zero, cerr
	}

	if err == nil {
		c.record("success", attempts, elapsed)
		return result, nil
	}

	final := c.finalError(err, lastErr, attempts)
	c.record(string(final.Reason), attempts, elapsed)

	c.logger.Error("Stage call failed",
		slog.String("stage", string(c.name)),
		slog.String("reason", string(final.Reason)),
		slog.Int("attempts", attempts),
		slog.Duration("elapsed", elapsed),
		slog.String("error", final.Error()),
	)

	return zero, final
}

// finalError builds the error returned to the caller once retrying stops
func (c *Client[Req, Resp]) finalError(err error, lastErr *Error, attempts int) *Error {
	var final *Error
	switch {
	case errors.As(err, &final):
		cp := *final
		final = &cp
	case errors.Is(err, context.DeadlineExceeded):
		// Overall deadline hit while waiting to retry
		final = &Error{Reason: ReasonTimeout, Err: err}
		if lastErr != nil {
			final.Err = fmt.Errorf("%w (last attempt: %v)", err, lastErr)
		}
	default:
		final = Classify(err)
	}

	final.Stage = c.name
	final.Attempts = attempts
	return final
}

func (c *Client[Req, Resp]) record(outcome string, attempts int, elapsed time.Duration) {
	if c.recorder == nil {
		return
	}
	c.recorder.RecordStageResult(string(c.name), outcome, attempts, elapsed.Seconds())
}
