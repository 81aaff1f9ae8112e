package job

import (
	"errors"
	"fmt"
)

// Outcome classifies how a handler invocation ended.
type Outcome int

const (
	// OutcomeOK means the work is done and the job can be removed.
	OutcomeOK Outcome = iota
	// OutcomeRecoverable means the attempt failed but may succeed later.
	OutcomeRecoverable
	// OutcomeFatal means the job can never succeed and is dead-lettered
	// regardless of its remaining retries.
	OutcomeFatal
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRecoverable:
		return "recoverable"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what a handler returns.
type Result struct {
	Outcome Outcome
	Err     error
}

// OK is a successful result.
func OK() Result { return Result{Outcome: OutcomeOK} }

// Recoverable is a failed result that consumes one retry.
func Recoverable(err error) Result { return Result{Outcome: OutcomeRecoverable, Err: err} }

// Fatal is a failed result that dead-letters the job.
func Fatal(err error) Result { return Result{Outcome: OutcomeFatal, Err: err} }

// Failed reports whether the result is not OK.
func (r Result) Failed() bool { return r.Outcome != OutcomeOK }

// Error returns the failure message, or "" for OK.
func (r Result) Error() string {
	if r.Err == nil {
		if r.Failed() {
			return r.Outcome.String()
		}
		return ""
	}
	return r.Err.Error()
}

// ErrFatal marks an error as non-retryable. Wrap it with Permanent or
// fmt.Errorf("...: %w", job.ErrFatal).
var ErrFatal = errors.New("job: fatal error")

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() []error { return []error{e.err, ErrFatal} }

// Permanent wraps err so that ResultOf classifies it as fatal.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// ResultOf classifies a plain error: nil is OK, errors wrapping ErrFatal
// are fatal, anything else is recoverable.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return OK()
	case errors.Is(err, ErrFatal):
		return Fatal(err)
	default:
		return Recoverable(err)
	}
}
