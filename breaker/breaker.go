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

package breaker

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/oadotman/calliq-sub001/store"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	KeyPrefix     = "circuit:"
	MetricsPrefix = "metrics:circuit:"
	AlertPrefix   = "alerts:circuit:"

	SnapshotTTL = 5 * time.Minute
	AlertTTL    = time.Hour

	resultSuccess  = "success"
	resultFailure  = "failure"
	resultTimeout  = "timeout"
	resultRejected = "rejected"
	resultFallback = "fallback"
)

var tracer = otel.Tracer("github.com/oadotman/calliq-sub001/breaker")

// Fallback is called instead of the protected function while the circuit is open. err is
// the *CircuitOpenError the call would otherwise have returned.
type Fallback func(ctx context.Context, err error) (interface{}, error)

type Options struct {
	// Failures needed to open the circuit once VolumeThreshold is reached. Default: 5
	FailureThreshold int64

	// Requests needed before the circuit is allowed to open. Default: 10
	VolumeThreshold int64

	// Percentage of failed requests that opens the circuit once VolumeThreshold is reached. Default: 50
	ErrorThresholdPercentage int64

	// How long the circuit stays open before a probe is allowed. Default: 60s
	ResetTimeout time.Duration

	// Max duration of a protected call. Default: 30s
	RequestTimeout time.Duration

	// Counters of a closed circuit start over after this period. Default: 60s
	MonitoringPeriod time.Duration

	// Max concurrent probes while HALF_OPEN, zero means unlimited.
	HalfOpenMaxProbes int64

	Fallback Fallback

	Store  store.Store
	Logger logrus.FieldLogger
}

// Alert is recorded every time a circuit opens.
type Alert struct {
	Service   string    `json:"service"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	State     State     `json:"state"`
	Failures  int64     `json:"failures"`
}

type metrics struct {
	state *prometheus.GaugeVec
	calls *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "calliq_circuit_state",
			Help: "Circuit breaker state.  0 = closed, 1 = open, 2 = half open.",
		}, []string{"name"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calliq_circuit_calls_total",
			Help: "Circuit breaker calls.  Label \"result\" = success|failure|timeout|rejected|fallback.",
		}, []string{"name", "result"}),
	}
}

var _ prometheus.Collector = &CircuitBreaker{}

// CircuitBreaker stops calling a failing dependency once failures cross a threshold and
// periodically lets a probe through to detect recovery. The state is shared with other
// instances through the store after every call, but each instance decides on its own copy.
type CircuitBreaker struct {
	name    string
	opts    Options
	log     logrus.FieldLogger
	metrics *metrics

	mu sync.Mutex
	m  *machine
}

// NewCircuitBreaker creates a breaker and loads the last snapshot shared for name, if any.
func NewCircuitBreaker(ctx context.Context, name string, opts Options) *CircuitBreaker {
	return newCircuitBreaker(ctx, name, opts, newMetrics())
}

func newCircuitBreaker(ctx context.Context, name string, opts Options, m *metrics) *CircuitBreaker {
	setter.SetDefault(&opts.FailureThreshold, int64(5))
	setter.SetDefault(&opts.VolumeThreshold, int64(10))
	setter.SetDefault(&opts.ErrorThresholdPercentage, int64(50))
	setter.SetDefault(&opts.ResetTimeout, 60*time.Second)
	setter.SetDefault(&opts.RequestTimeout, 30*time.Second)
	setter.SetDefault(&opts.MonitoringPeriod, 60*time.Second)
	setter.SetDefault(&opts.Store, store.Store(store.NullStore{}))
	setter.SetDefault(&opts.Logger, logrus.WithField("category", "breaker"))

	b := &CircuitBreaker{
		name:    name,
		opts:    opts,
		log:     opts.Logger.WithField("circuit", name),
		metrics: m,
	}
	b.m = newMachine(&b.opts, clock.Now())
	b.load(ctx)
	return b
}

func (b *CircuitBreaker) Name() string {
	return b.name
}

func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.m.state
}

func (b *CircuitBreaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.m.snapshot(b.name, clock.Now())
}

// Execute calls fn unless the circuit is open. fn is given a context that is cancelled
// once RequestTimeout elapses, in which case a *TimeoutError is returned. Errors returned
// by fn are wrapped in an *UpstreamError.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) (interface{}, error)) (v interface{}, err error) {
	ctx, span := tracer.Start(ctx, "CircuitBreaker.Execute", trace.WithAttributes(
		attribute.String("circuit.name", b.name),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	b.mu.Lock()
	prev := b.m.state
	admitted := b.m.admit(clock.Now())
	state := b.m.state
	b.mu.Unlock()

	span.SetAttributes(attribute.String("circuit.state", state.String()))
	if prev != state {
		b.log.WithField("state", state.String()).Info("circuit breaker probing for recovery")
	}

	if !admitted {
		return b.reject(ctx)
	}

	v, err = b.call(ctx, fn)
	switch {
	case err == nil:
		b.onSuccess(ctx)
		return v, nil
	case ctx.Err() != nil && !errors.Is(err, ErrTimeout):
		// The caller gave up, this says nothing about the dependency.
		b.mu.Lock()
		b.m.release()
		b.mu.Unlock()
		return nil, err
	default:
		b.onFailure(ctx, err)
		return nil, err
	}
}

// Run is Execute() for functions returning a concrete type. A fallback result of another
// type is returned as the zero value of T.
func Run[T any](ctx context.Context, b *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	v, err := b.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})
	t, _ := v.(T)
	return t, err
}

// Reset closes the circuit and clears every counter.
func (b *CircuitBreaker) Reset(ctx context.Context) {
	now := clock.Now()
	b.mu.Lock()
	b.m.reset(now)
	snap := b.m.snapshot(b.name, now)
	b.mu.Unlock()

	b.persist(ctx, &snap)
	b.log.Info("circuit breaker reset")
}

type result struct {
	v   interface{}
	err error
}

func (b *CircuitBreaker) call(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		done <- result{v: v, err: err}
	}()

	timer := clock.NewTimer(b.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, &UpstreamError{Name: b.name, Err: r.err}
		}
		return r.v, nil
	case <-timer.C():
		cancel()
		return nil, &TimeoutError{Name: b.name, Timeout: b.opts.RequestTimeout}
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "while calling '%s'", b.name)
	}
}

func (b *CircuitBreaker) reject(ctx context.Context) (interface{}, error) {
	b.metrics.calls.WithLabelValues(b.name, resultRejected).Inc()
	err := &CircuitOpenError{Name: b.name}

	if b.opts.Fallback == nil {
		b.persist(ctx, nil, "rejections")
		return nil, err
	}
	b.metrics.calls.WithLabelValues(b.name, resultFallback).Inc()
	b.persist(ctx, nil, "rejections", "fallbacks")
	return b.opts.Fallback(ctx, err)
}

func (b *CircuitBreaker) onSuccess(ctx context.Context) {
	now := clock.Now()
	b.mu.Lock()
	prev := b.m.state
	b.m.onSuccess(now)
	snap := b.m.snapshot(b.name, now)
	b.mu.Unlock()

	b.metrics.calls.WithLabelValues(b.name, resultSuccess).Inc()
	if prev == HalfOpen && snap.State == Closed {
		b.log.Info("circuit breaker closed")
	}
	b.persist(ctx, &snap, "successes")
}

func (b *CircuitBreaker) onFailure(ctx context.Context, err error) {
	now := clock.Now()
	b.mu.Lock()
	opened := b.m.onFailure(now)
	snap := b.m.snapshot(b.name, now)
	b.mu.Unlock()

	fields := []string{"failures"}
	if errors.Is(err, ErrTimeout) {
		b.metrics.calls.WithLabelValues(b.name, resultTimeout).Inc()
		fields = append(fields, "timeouts")
	} else {
		b.metrics.calls.WithLabelValues(b.name, resultFailure).Inc()
	}
	if opened {
		fields = append(fields, "opened")
	}
	b.persist(ctx, &snap, fields...)

	if opened {
		b.alert(ctx, snap)
	}
}

// persist shares the snapshot, if given, and increments the counters in a single round trip.
func (b *CircuitBreaker) persist(ctx context.Context, snap *Snapshot, counters ...string) {
	var payload []byte
	if snap != nil {
		var err error
		if payload, err = json.Marshal(snap); err != nil {
			b.log.WithError(err).Error("while encoding circuit breaker snapshot")
			return
		}
	}

	err := b.opts.Store.Pipelined(ctx, func(p redis.Pipeliner) error {
		if payload != nil {
			p.Set(ctx, KeyPrefix+b.name, payload, SnapshotTTL)
		}
		for _, c := range counters {
			p.HIncrBy(ctx, MetricsPrefix+b.name, c, 1)
		}
		return nil
	})
	if err != nil {
		b.log.WithError(err).Debug("while saving circuit breaker state")
	}
}

func (b *CircuitBreaker) load(ctx context.Context) {
	v, err := b.opts.Store.Get(ctx, KeyPrefix+b.name)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.log.WithError(err).Debug("while loading circuit breaker state")
		}
		return
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(v), &snap); err != nil {
		b.log.WithError(err).Warn("ignoring invalid circuit breaker snapshot")
		return
	}
	b.m.restore(snap)
	b.log.WithField("state", snap.State.String()).Debug("loaded circuit breaker state")
}

func (b *CircuitBreaker) alert(ctx context.Context, snap Snapshot) {
	b.log.WithFields(logrus.Fields{
		"failures":    snap.Failures,
		"requests":    snap.Requests,
		"nextAttempt": snap.NextAttempt,
	}).Warn("circuit breaker opened")

	a := Alert{
		Service:   b.name,
		Event:     "opened",
		Timestamp: snap.UpdatedAt,
		State:     snap.State,
		Failures:  snap.Failures,
	}
	payload, err := json.Marshal(a)
	if err != nil {
		b.log.WithError(err).Error("while encoding circuit breaker alert")
		return
	}
	key := AlertPrefix + b.name + ":" + strconv.FormatInt(a.Timestamp.UnixMilli(), 10)
	if err := b.opts.Store.Set(ctx, key, string(payload), AlertTTL); err != nil {
		b.log.WithError(err).Debug("while saving circuit breaker alert")
	}
}

func (b *CircuitBreaker) Describe(ch chan<- *prometheus.Desc) {
	b.metrics.state.Describe(ch)
	b.metrics.calls.Describe(ch)
}

func (b *CircuitBreaker) Collect(ch chan<- prometheus.Metric) {
	b.metrics.state.WithLabelValues(b.name).Set(float64(b.State()))
	b.metrics.state.Collect(ch)
	b.metrics.calls.Collect(ch)
}
