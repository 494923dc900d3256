package stage

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Name identifies a pipeline stage
type Name string

const (
	Transcription Name = "transcription"
	Analysis      Name = "analysis"
	Lyrics        Name = "lyrics"
	Synthesis     Name = "synthesis"
)

// Reason is the failure class reported for a stage call
type Reason string

const (
	ReasonTimeout            Reason = "Timeout"
	ReasonServiceUnavailable Reason = "ServiceUnavailable"
	ReasonRateLimited        Reason = "RateLimited"
	ReasonUnintelligible     Reason = "Unintelligible"
	ReasonContentRejected    Reason = "ContentRejected"
	ReasonSequenceViolation  Reason = "SequenceViolation"
	ReasonMalformedInput     Reason = "MalformedInput"
	ReasonMalformedResponse  Reason = "MalformedResponse"
	ReasonRejected           Reason = "Rejected"
	ReasonCancelled          Reason = "Cancelled"
)

// Transient reports whether the reason is worth retrying
func (r Reason) Transient() bool {
	switch r {
	case ReasonTimeout, ReasonServiceUnavailable, ReasonRateLimited:
		return true
	default:
		return false
	}
}

// Error is a classified stage failure
type Error struct {
	Stage    Name
	Reason   Reason
	Attempts int
	Err      error

	noRetry bool
}

func (e *Error) Error() string {
	msg := string(e.Reason)
	if e.Stage != "" {
		msg = fmt.Sprintf("%s: %s", e.Stage, e.Reason)
	}
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether the call may be retried
func (e *Error) Transient() bool {
	return !e.noRetry && e.Reason.Transient()
}

// Fail classifies err with an explicit reason
func Fail(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// Failf classifies a formatted error with an explicit reason
func Failf(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// NoRetry keeps the classification of err but stops further attempts
func NoRetry(err error) error {
	e := Classify(err)
	e.noRetry = true
	return e
}

// Classify returns err as a stage error, inferring the reason when the
// collaborator did not classify it
func Classify(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		cp := *se
		return &cp
	}
	return &Error{Reason: ReasonOf(err), Err: err}
}

// ReasonOf infers a failure reason from an arbitrary error
func ReasonOf(err error) Reason {
	var se *Error
	if errors.As(err, &se) {
		return se.Reason
	}

	switch {
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ReasonTimeout
		}
		return ReasonServiceUnavailable
	}

	return ReasonRejected
}

// ReasonForStatus maps an HTTP status code from a collaborator to a reason
func ReasonForStatus(status int) Reason {
	switch {
	case status == 408 || status == 504:
		return ReasonTimeout
	case status == 429:
		return ReasonRateLimited
	case status >= 500:
		return ReasonServiceUnavailable
	case status == 422:
		return ReasonContentRejected
	case status >= 400:
		return ReasonMalformedInput
	default:
		return ReasonRejected
	}
}
