package breaker

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrCircuitOpen    = errors.New("circuit breaker is open")
	ErrTimeout        = errors.New("circuit breaker request timed out")
	ErrUnknownBreaker = errors.New("unknown circuit breaker")
)

// CircuitOpenError is returned without calling the protected function while the circuit is open.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return "circuit breaker is open for " + e.Name
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// TimeoutError is returned when the protected function did not return within the request timeout.
// The context given to the function is cancelled at that point.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' request timed out after %s", e.Name, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// UpstreamError wraps an error returned by the protected function.
type UpstreamError struct {
	Name string
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("while calling '%s': %s", e.Name, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
