package ratelimit

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrAdmissionPaused = errors.New("admission is paused")
)

// RateLimitError is returned by Limiter.Check() when the request does not fit in the window.
type RateLimitError struct {
	Policy     string
	Identifier string
	Result     Result
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for '%s' on policy '%s'; retry after %s",
		e.Identifier, e.Policy, e.Result.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfter is the hint suitable for a `Retry-After` header
func (e *RateLimitError) RetryAfter() time.Duration {
	return e.Result.RetryAfter
}
