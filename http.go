/*
Copyright 2026 Calliq Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package resilience

import (
	"encoding/json"
	"net/http"

	"github.com/oadotman/calliq-sub001/breaker"
	"github.com/oadotman/calliq-sub001/store"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (d *Daemon) newHandler() http.Handler {
	c := d.Coordinator
	reg := c.Registry()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(
		reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	))
	mux.HandleFunc("/_ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	})
	mux.HandleFunc("/v1/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := c.Store().Ping(r.Context()); err != nil && !store.IsDisabled(err) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			toJSON(w, map[string]string{"status": "unhealthy", "message": err.Error()})
			return
		}
		toJSON(w, map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		toJSON(w, c.Metrics(r.Context()))
	})

	mux.HandleFunc("/v1/admin/pause", post(func(w http.ResponseWriter, r *http.Request) {
		c.PauseAdmission()
		toJSON(w, map[string]bool{"admissionPaused": true})
	}))
	mux.HandleFunc("/v1/admin/resume", post(func(w http.ResponseWriter, r *http.Request) {
		c.ResumeAdmission()
		toJSON(w, map[string]bool{"admissionPaused": false})
	}))
	mux.HandleFunc("/v1/admin/breakers/reset", post(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			c.ResetAllBreakers(r.Context())
			toJSON(w, c.Breakers().GetAllStates())
			return
		}
		if err := c.ResetBreaker(r.Context(), name); err != nil {
			httpError(w, err)
			return
		}
		toJSON(w, c.Breakers().GetAllStates()[name])
	}))
	mux.HandleFunc("/v1/admin/cache/clear", post(func(w http.ResponseWriter, r *http.Request) {
		toJSON(w, map[string]int64{"deleted": c.ClearCache(r.Context())})
	}))
	mux.HandleFunc("/v1/admin/cache/invalidate", post(func(w http.ResponseWriter, r *http.Request) {
		tag := r.URL.Query().Get("tag")
		if tag == "" {
			http.Error(w, "query parameter 'tag' is required", http.StatusBadRequest)
			return
		}
		toJSON(w, map[string]int64{"deleted": c.InvalidateCacheTag(r.Context(), tag)})
	}))
	mux.HandleFunc("/v1/admin/ratelimit/reset", post(func(w http.ResponseWriter, r *http.Request) {
		policy, id := r.URL.Query().Get("policy"), r.URL.Query().Get("id")
		if policy == "" || id == "" {
			http.Error(w, "query parameters 'policy' and 'id' are required", http.StatusBadRequest)
			return
		}
		if err := c.ResetRateLimit(r.Context(), policy, id); err != nil {
			httpError(w, err)
			return
		}
		toJSON(w, map[string]bool{"reset": true})
	}))
	return mux
}

func post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func httpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, breaker.ErrUnknownBreaker), errors.Is(err, ErrUnknownPolicy):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toJSON(w http.ResponseWriter, obj interface{}) {
	resp, err := json.Marshal(obj)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}
