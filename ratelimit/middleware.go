package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// KeyFunc extracts the identifier a request is limited by.
type KeyFunc func(r *http.Request) string

type MiddlewareOptions struct {
	// Overrides the default key extraction
	KeyFunc KeyFunc

	// Header holding the identifier, IE: `X-API-Key`. Falls back to the client address.
	KeyHeader string

	// Use the first address in X-Forwarded-For. Only enable behind a trusted proxy.
	TrustXForwardedFor bool
}

// DefaultKeyFunc uses KeyHeader if present, then X-Forwarded-For if trusted, then the remote address.
func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
					return ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// Middleware admits requests through the limiter. Rejected requests get a 429 with a
// `Retry-After` header, requests received while admission is paused get a 503.
func Middleware(l *Limiter, opts MiddlewareOptions) func(next http.Handler) http.Handler {
	if opts.KeyFunc == nil {
		opts.KeyFunc = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := l.Take(r.Context(), opts.KeyFunc(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))

			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, ErrAdmissionPaused):
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			default:
				h.Set("Retry-After", strconv.FormatInt(int64(res.RetryAfter.Seconds()), 10))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			}
		})
	}
}
