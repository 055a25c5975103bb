// ABOUTME: Failure taxonomy for pipeline execution and the transient-error detector.
// ABOUTME: Wraps user, input, retry, restart, and materialization faults with cause chains.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389-research/npipeline/breaker"
)

// errDraining signals a source to stop producing during drain-and-stop.
var errDraining = errors.New("pipeline draining")

// TransientError marks a failure as retryable. User callbacks wrap errors in
// Transient to opt an item into the retry loop.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// InputError surfaces an upstream pipe failure to the consuming node.
type InputError struct {
	NodeID string
	Err    error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("node %q input failed: %v", e.NodeID, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// RetryExhaustedError reports that an item consumed its whole retry budget.
type RetryExhaustedError struct {
	NodeID   string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("node %q: retries exhausted after %d attempt(s): %v", e.NodeID, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// RestartExhaustedError reports that a node consumed its restart budget.
type RestartExhaustedError struct {
	NodeID   string
	Attempts int
	Err      error
}

func (e *RestartExhaustedError) Error() string {
	return fmt.Sprintf("node %q: restart budget exhausted after %d attempt(s): %v", e.NodeID, e.Attempts, e.Err)
}

func (e *RestartExhaustedError) Unwrap() error {
	return e.Err
}

// MaterializationCapError reports that buffering a streaming input for
// restart hit the configured cap under the Strict policy.
type MaterializationCapError struct {
	NodeID string
	Cap    int
}

func (e *MaterializationCapError) Error() string {
	return fmt.Sprintf("node %q: materialization cap of %d items exceeded", e.NodeID, e.Cap)
}

// StopNodeError carries a node error handler's StopNode decision out of the
// per-item loop.
type StopNodeError struct {
	NodeID string
	Err    error
}

func (e *StopNodeError) Error() string {
	return fmt.Sprintf("node %q stopped: %v", e.NodeID, e.Err)
}

func (e *StopNodeError) Unwrap() error {
	return e.Err
}

// DeadLetterSinkError reports a failure of the dead-letter sink itself.
type DeadLetterSinkError struct {
	NodeID string
	Err    error
}

func (e *DeadLetterSinkError) Error() string {
	return fmt.Sprintf("dead-letter sink failed for node %q: %v", e.NodeID, e.Err)
}

func (e *DeadLetterSinkError) Unwrap() error {
	return e.Err
}

// timeouter matches timeout-reporting errors (net.Error and friends).
type timeouter interface {
	Timeout() bool
}

// defaultTransient is the standard retry-eligibility detector: explicit
// TransientError wrappers and timeouts retry; cancellation and open circuits
// never do; everything else is permanent.
func defaultTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, breaker.ErrCircuitOpen) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var to timeouter
	if errors.As(err, &to) && to.Timeout() {
		return true
	}
	return false
}

// causeChain flattens an error's unwrap chain into messages, outermost first.
func causeChain(err error) []string {
	var chain []string
	for err != nil {
		chain = append(chain, err.Error())
		err = errors.Unwrap(err)
	}
	return chain
}
