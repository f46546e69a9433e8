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
	"sort"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/oadotman/calliq-sub001/store"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type FactoryConfig struct {
	// Used by every breaker that does not provide its own
	Store  store.Store
	Logger logrus.FieldLogger
}

// RetryOptions are used as given, the zero value makes a single attempt. Start from
// DefaultRetryOptions() to get the usual policy.
type RetryOptions struct {
	// Retries after the first attempt, zero or negative disables retries
	MaxRetries int
	// Delay before the first retry, zero retries immediately
	InitialDelay time.Duration
	// Upper bound of a single delay, zero means no bound
	MaxDelay time.Duration
	// Growth of the delay per attempt, values below 1 keep the delay constant
	Factor float64
}

// DefaultRetryOptions returns 3 retries starting at 1s, doubling up to 30s.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
	}
}

var _ prometheus.Collector = &Factory{}

// Factory owns one CircuitBreaker per name.
type Factory struct {
	conf    FactoryConfig
	log     logrus.FieldLogger
	metrics *metrics

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewFactory(conf FactoryConfig) *Factory {
	setter.SetDefault(&conf.Store, store.Store(store.NullStore{}))
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "breaker"))

	return &Factory{
		conf:     conf,
		log:      conf.Logger,
		metrics:  newMetrics(),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// GetBreaker returns the breaker for name, creating it with opts on first use. opts are
// ignored if the breaker already exists.
func (f *Factory) GetBreaker(ctx context.Context, name string, opts Options) *CircuitBreaker {
	if b, ok := f.Lookup(name); ok {
		return b
	}

	// Loading the snapshot waits on the store, don't hold the lock while it does.
	setter.SetDefault(&opts.Store, f.conf.Store)
	setter.SetDefault(&opts.Logger, f.conf.Logger)
	b := newCircuitBreaker(ctx, name, opts, f.metrics)

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.breakers[name]; ok {
		return existing
	}
	f.breakers[name] = b
	return b
}

// Lookup returns the breaker for name if it was created.
func (f *Factory) Lookup(name string) (*CircuitBreaker, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[name]
	return b, ok
}

// ExecuteWithRetry runs fn through the breaker name with capped exponential backoff between
// attempts. Retries stop as soon as the circuit is open or ctx is done.
func (f *Factory) ExecuteWithRetry(ctx context.Context, name string, fn func(context.Context) (interface{}, error), opts RetryOptions) (interface{}, error) {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	b := f.GetBreaker(ctx, name, Preset(name))
	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		v, err := b.Execute(ctx, fn)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) || attempt == opts.MaxRetries {
			break
		}

		delay := backoff(opts, attempt)
		f.log.WithError(err).WithFields(logrus.Fields{
			"circuit": name,
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).Debug("retrying")

		select {
		case <-clock.After(delay):
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "while retrying '%s'", name)
		}
	}
	return nil, lastErr
}

// backoff returns min(InitialDelay * Factor^attempt, MaxDelay)
func backoff(opts RetryOptions, attempt int) time.Duration {
	capped := func(d float64) bool {
		return opts.MaxDelay > 0 && d >= float64(opts.MaxDelay)
	}
	d := float64(opts.InitialDelay)
	if opts.Factor > 1 {
		for i := 0; i < attempt && !capped(d); i++ {
			d *= opts.Factor
		}
	}
	if capped(d) {
		return opts.MaxDelay
	}
	return time.Duration(d)
}

// GetAllStates returns the snapshot of every breaker created by the factory.
func (f *Factory) GetAllStates() map[string]Snapshot {
	out := make(map[string]Snapshot)
	for _, b := range f.list() {
		out[b.Name()] = b.Snapshot()
	}
	return out
}

func (f *Factory) ResetAll(ctx context.Context) {
	for _, b := range f.list() {
		b.Reset(ctx)
	}
}

func (f *Factory) Reset(ctx context.Context, name string) error {
	b, ok := f.Lookup(name)
	if !ok {
		return errors.Wrapf(ErrUnknownBreaker, "'%s'", name)
	}
	b.Reset(ctx)
	return nil
}

// RecentAlerts returns the alerts recorded by every instance during the last AlertTTL,
// newest first.
func (f *Factory) RecentAlerts(ctx context.Context) ([]Alert, error) {
	keys, err := f.conf.Store.Keys(ctx, AlertPrefix+"*")
	if err != nil {
		return nil, errors.Wrap(err, "while listing circuit breaker alerts")
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(keys))
	err = f.conf.Store.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.Get(ctx, k)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "while fetching circuit breaker alerts")
	}

	alerts := make([]Alert, 0, len(cmds))
	for _, c := range cmds {
		var a Alert
		// Expired between SCAN and GET
		if c.Err() != nil {
			continue
		}
		if err := json.Unmarshal([]byte(c.Val()), &a); err != nil {
			f.log.WithError(err).Debug("ignoring invalid circuit breaker alert")
			continue
		}
		alerts = append(alerts, a)
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].Timestamp.After(alerts[j].Timestamp)
	})
	return alerts, nil
}

func (f *Factory) list() []*CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*CircuitBreaker, 0, len(f.breakers))
	for _, b := range f.breakers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (f *Factory) Describe(ch chan<- *prometheus.Desc) {
	f.metrics.state.Describe(ch)
	f.metrics.calls.Describe(ch)
}

func (f *Factory) Collect(ch chan<- prometheus.Metric) {
	for _, b := range f.list() {
		f.metrics.state.WithLabelValues(b.Name()).Set(float64(b.State()))
	}
	f.metrics.state.Collect(ch)
	f.metrics.calls.Collect(ch)
}
