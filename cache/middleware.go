package cache

import (
	"bytes"
	"net/http"
	"time"
)

type MiddlewareOptions struct {
	// Expiration of cached responses. Default is the service default.
	TTL time.Duration

	// Tags to store the response with, IE: the id of the resource being served.
	Tags func(r *http.Request) []string

	// Overrides the default key `http:<path>?<query>`
	KeyFunc func(r *http.Request) string
}

type response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware caches successful responses to GET requests. Responses carry `X-Cache: HIT`
// or `X-Cache: MISS`, requests with `Cache-Control: no-cache` always reach the handler.
func Middleware(svc *Service, opts MiddlewareOptions) func(next http.Handler) http.Handler {
	if opts.KeyFunc == nil {
		opts.KeyFunc = func(r *http.Request) string {
			return "http:" + r.URL.RequestURI()
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet || r.Header.Get("Cache-Control") == "no-cache" {
				next.ServeHTTP(w, r)
				return
			}

			key := opts.KeyFunc(r)
			var cached response
			if svc.Get(r.Context(), key, &cached) {
				if cached.ContentType != "" {
					w.Header().Set("Content-Type", cached.ContentType)
				}
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				return
			}

			w.Header().Set("X-Cache", "MISS")
			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status != http.StatusOK {
				return
			}

			setOpts := []SetOption{WithTTL(opts.TTL)}
			if opts.Tags != nil {
				setOpts = append(setOpts, WithTags(opts.Tags(r)...))
			}
			svc.Set(r.Context(), key, response{
				Status:      rec.status,
				ContentType: w.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			}, setOpts...)
		})
	}
}
