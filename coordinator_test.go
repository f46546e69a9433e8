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

package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	resilience "github.com/oadotman/calliq-sub001"
	"github.com/oadotman/calliq-sub001/breaker"
	"github.com/oadotman/calliq-sub001/cache"
	"github.com/oadotman/calliq-sub001/ratelimit"
	"github.com/oadotman/calliq-sub001/store"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConfig(t *testing.T) (resilience.Config, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	s, err := store.NewRedisStore(store.RedisConfig{
		Client:    redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}),
		OpTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	return resilience.Config{
		InstanceID:         "test",
		HTTPListenAddress:  "localhost:0",
		Store:              s,
		TagCleanupInterval: -1,
		Policies: []ratelimit.Policy{
			{Name: "api", Limit: 2, Window: time.Minute},
			ratelimit.PolicyAuth,
		},
	}, mr
}

func newCoordinator(t *testing.T) (*resilience.Coordinator, *miniredis.Miniredis) {
	conf, mr := newConfig(t)
	c, err := resilience.NewCoordinator(context.Background(), conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestCoordinatorCheck(t *testing.T) {
	ctx := context.Background()
	c, mr := newCoordinator(t)

	assert.NoError(t, c.Check(ctx, "api", "user-1"))
	assert.NoError(t, c.Check(ctx, "api", "user-1"))
	err := c.Check(ctx, "api", "user-1")
	assert.True(t, errors.Is(err, ratelimit.ErrRateLimited))

	// Other identifiers and policies are unaffected
	assert.NoError(t, c.Check(ctx, "api", "user-2"))
	assert.NoError(t, c.Check(ctx, "auth", "user-1"))

	err = c.Check(ctx, "export", "user-1")
	assert.True(t, errors.Is(err, resilience.ErrUnknownPolicy))

	require.NoError(t, c.ResetRateLimit(ctx, "api", "user-1"))
	assert.False(t, mr.Exists("rate_limit:api:user-1"))
	assert.NoError(t, c.Check(ctx, "api", "user-1"))

	err = c.ResetRateLimit(ctx, "export", "user-1")
	assert.True(t, errors.Is(err, resilience.ErrUnknownPolicy))

	var names []string
	for _, l := range c.Limiters() {
		names = append(names, l.Policy().Name)
	}
	assert.Equal(t, []string{"api", "auth"}, names)
}

func TestCoordinatorPauseAdmission(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t)

	c.PauseAdmission()
	assert.True(t, c.AdmissionPaused())
	assert.Equal(t, ratelimit.ErrAdmissionPaused, c.Check(ctx, "auth", "user-1"))

	c.ResumeAdmission()
	assert.False(t, c.AdmissionPaused())
	assert.NoError(t, c.Check(ctx, "auth", "user-1"))
}

func TestCoordinatorMetrics(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t)

	for i := 0; i < 3; i++ {
		_ = c.Check(ctx, "api", "user-1")
	}
	c.Cache().Set(ctx, "k", "v")
	var v string
	c.Cache().Get(ctx, "k", &v)
	c.Cache().Get(ctx, "missing", &v)

	_, err := c.Breaker(ctx, breaker.Payments).Execute(ctx, func(context.Context) (interface{}, error) {
		return nil, errors.New("declined")
	})
	require.Error(t, err)

	m := c.Metrics(ctx)
	assert.Equal(t, "test", m.InstanceID)
	assert.True(t, m.StoreHealthy)
	assert.False(t, m.AdmissionPaused)
	assert.Equal(t, map[string]string{"api": "2/1m0s", "auth": "5/15m0s"}, m.Policies)
	assert.Equal(t, ratelimit.DecisionStats{Allowed: 2, Denied: 1}, m.RateLimits["api"])
	assert.Equal(t, cache.Stats{Hits: 1, Misses: 1, Sets: 1, HitRate: 0.5}, m.Cache)

	// Presets are registered when the coordinator starts
	assert.Len(t, m.Circuits, len(breaker.Presets()))
	assert.Equal(t, int64(1), m.Circuits[breaker.Payments].Failures)
	assert.Equal(t, breaker.Closed, m.Circuits[breaker.Payments].State)
	assert.Empty(t, m.Alerts)
}

func TestCoordinatorAdmin(t *testing.T) {
	ctx := context.Background()
	c, mr := newCoordinator(t)

	c.Cache().Set(ctx, "a", 1, cache.WithTags("users"))
	c.Cache().Set(ctx, "b", 2, cache.WithTags("users"))
	c.Cache().Set(ctx, "c", 3)

	assert.Equal(t, int64(2), c.InvalidateCacheTag(ctx, "users"))
	assert.False(t, mr.Exists("cache:a"))
	assert.True(t, mr.Exists("cache:c"))
	assert.NotZero(t, c.ClearCache(ctx))
	assert.False(t, mr.Exists("cache:c"))

	b := c.Breaker(ctx, breaker.Database)
	for i := 0; i < 20; i++ {
		_, _ = b.Execute(ctx, func(context.Context) (interface{}, error) {
			return nil, errors.New("connection refused")
		})
	}
	require.Equal(t, breaker.Open, b.State())
	assert.NoError(t, c.ResetBreaker(ctx, breaker.Database))
	assert.Equal(t, breaker.Closed, b.State())

	err := c.ResetBreaker(ctx, "nope")
	assert.True(t, errors.Is(err, breaker.ErrUnknownBreaker))
	c.ResetAllBreakers(ctx)
}

func TestCoordinatorStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	c, mr := newCoordinator(t)
	mr.Close()

	// Rate limits fail open
	for i := 0; i < 5; i++ {
		assert.NoError(t, c.Check(ctx, "api", "user-1"))
	}
	err := c.ResetRateLimit(ctx, "api", "user-1")
	assert.True(t, errors.Is(err, store.ErrUnavailable))

	m := c.Metrics(ctx)
	assert.False(t, m.StoreHealthy)
	assert.NotEmpty(t, m.StoreError)
}

func TestCoordinatorWithoutStore(t *testing.T) {
	ctx := context.Background()
	c, err := resilience.NewCoordinator(ctx, resilience.Config{TagCleanupInterval: -1})
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 200; i++ {
		require.NoError(t, c.Check(ctx, "api", "user-1"))
	}

	var v string
	assert.False(t, c.Cache().Set(ctx, "k", "v"))
	assert.False(t, c.Cache().Get(ctx, "k", &v))

	m := c.Metrics(ctx)
	assert.NotEmpty(t, m.InstanceID)
	assert.False(t, m.StoreHealthy)
	assert.Len(t, m.Policies, 4)
}

func TestCoordinatorTagCleanup(t *testing.T) {
	ctx := context.Background()
	conf, mr := newConfig(t)
	conf.TagCleanupInterval = 20 * time.Millisecond

	c, err := resilience.NewCoordinator(ctx, conf)
	require.NoError(t, err)
	defer c.Close()

	c.Cache().Set(ctx, "a", 1, cache.WithTags("reports"))
	c.Cache().Set(ctx, "b", 2, cache.WithTags("reports"))
	mr.Del("cache:a")

	assert.Eventually(t, func() bool {
		m, err := mr.SMembers("tag:reports")
		return err == nil && len(m) == 1 && m[0] == "b"
	}, 2*time.Second, 10*time.Millisecond)

	// Cleanup keeps running on every interval
	mr.Del("cache:b")
	assert.Eventually(t, func() bool {
		return !mr.Exists("tag:reports")
	}, 2*time.Second, 10*time.Millisecond)
}
