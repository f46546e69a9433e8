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
	"context"
	"sort"

	"github.com/mailgun/holster/v4/syncutil"
	"github.com/oadotman/calliq-sub001/breaker"
	"github.com/oadotman/calliq-sub001/cache"
	"github.com/oadotman/calliq-sub001/ratelimit"
	"github.com/oadotman/calliq-sub001/store"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var ErrUnknownPolicy = errors.New("unknown rate limit policy")

// Coordinator owns the shared store and every component built on it. Create one per process
// and hand it, or the components it exposes, to the code that needs them.
type Coordinator struct {
	conf     Config
	log      logrus.FieldLogger
	store    store.Store
	windows  *ratelimit.WindowStore
	limiters map[string]*ratelimit.Limiter
	cache    *cache.Service
	breakers *breaker.Factory
	registry *prometheus.Registry
	interval *Interval
	wg       syncutil.WaitGroup
}

func NewCoordinator(ctx context.Context, conf Config) (*Coordinator, error) {
	if err := conf.SetDefaults(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		conf:     conf,
		log:      conf.Logger.WithField("instance", conf.InstanceID),
		store:    conf.Store,
		limiters: make(map[string]*ratelimit.Limiter, len(conf.Policies)),
		registry: prometheus.NewRegistry(),
	}

	if c.store == nil {
		if conf.RedisURL == "" {
			c.log.Warn("no shared store configured; rate limits fail open, the cache passes " +
				"through and circuit breakers keep local state only")
			c.store = store.NullStore{}
		} else {
			rs, err := store.NewRedisStore(store.RedisConfig{
				URL:       conf.RedisURL,
				OpTimeout: conf.RedisTimeout,
				PoolSize:  conf.RedisPoolSize,
			})
			if err != nil {
				return nil, errors.Wrap(err, "while creating shared store")
			}
			c.store = rs
		}
	}

	// An unreachable store is not fatal, every component degrades until it comes back.
	if err := c.store.Ping(ctx); err != nil && !store.IsDisabled(err) {
		c.log.WithError(err).Warn("shared store is not reachable")
	}

	if col, ok := c.store.(prometheus.Collector); ok {
		c.registry.MustRegister(col)
	}

	c.windows = ratelimit.NewWindowStore(ratelimit.WindowConfig{
		Store:  c.store,
		Logger: c.log.WithField("category", "ratelimit"),
	})
	c.registry.MustRegister(c.windows)

	for _, p := range conf.Policies {
		l, err := ratelimit.NewLimiter(ratelimit.Config{
			Policy:  p,
			Windows: c.windows,
			Store:   c.store,
			Logger:  c.log.WithField("category", "ratelimit"),
		})
		if err != nil {
			return nil, err
		}
		c.limiters[p.Name] = l
		c.registry.MustRegister(l)
	}

	c.cache = cache.NewService(cache.Options{
		Store:           c.store,
		Logger:          c.log.WithField("category", "cache"),
		DefaultTTL:      conf.CacheTTL,
		Coalesce:        conf.CacheCoalesce,
		WarmConcurrency: conf.CacheWarmConcurrency,
	})
	c.registry.MustRegister(c.cache)

	c.breakers = breaker.NewFactory(breaker.FactoryConfig{
		Store:  c.store,
		Logger: c.log.WithField("category", "breaker"),
	})
	c.breakers.RegisterPresets(ctx)
	c.registry.MustRegister(c.breakers)

	if conf.MetricFlags.Has(FlagGolangMetrics) {
		c.registry.MustRegister(prometheus.NewGoCollector())
	}
	if conf.MetricFlags.Has(FlagOSMetrics) {
		c.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}

	if conf.TagCleanupInterval > 0 {
		c.runTagCleanup()
	}
	return c, nil
}

// Limiter returns the limiter for the policy name.
func (c *Coordinator) Limiter(policy string) (*ratelimit.Limiter, error) {
	l, ok := c.limiters[policy]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPolicy, "'%s'", policy)
	}
	return l, nil
}

// Limiters returns every limiter sorted by policy name.
func (c *Coordinator) Limiters() []*ratelimit.Limiter {
	out := make([]*ratelimit.Limiter, 0, len(c.limiters))
	for _, l := range c.limiters {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Policy().Name < out[j].Policy().Name
	})
	return out
}

// Check admits or rejects a request from identifier under policy.
func (c *Coordinator) Check(ctx context.Context, policy, identifier string) error {
	l, err := c.Limiter(policy)
	if err != nil {
		return err
	}
	return l.Check(ctx, identifier)
}

func (c *Coordinator) Cache() *cache.Service {
	return c.cache
}

func (c *Coordinator) Breakers() *breaker.Factory {
	return c.breakers
}

// Breaker returns the breaker for name, using its preset if it has one.
func (c *Coordinator) Breaker(ctx context.Context, name string) *breaker.CircuitBreaker {
	return c.breakers.GetBreaker(ctx, name, breaker.Preset(name))
}

func (c *Coordinator) Store() store.Store {
	return c.store
}

func (c *Coordinator) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Coordinator) Config() Config {
	return c.conf
}

func (c *Coordinator) runTagCleanup() {
	c.interval = NewInterval(c.conf.TagCleanupInterval)
	c.interval.Next()

	c.wg.Until(func(done chan struct{}) bool {
		select {
		case <-c.interval.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.conf.TagCleanupInterval)
			c.cache.CleanupTags(ctx)
			cancel()
			c.interval.Next()
			return true
		case <-done:
			return false
		}
	})
}

// Close stops background work and closes the shared store.
func (c *Coordinator) Close() error {
	c.wg.Stop()
	if c.interval != nil {
		c.interval.Stop()
	}
	return c.store.Close()
}
