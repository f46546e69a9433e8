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

package cache_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/oadotman/calliq-sub001/cache"
	"github.com/oadotman/calliq-sub001/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	ID       string   `json:"id"`
	Duration int      `json:"duration"`
	Speakers []string `json:"speakers"`
}

func newService(t *testing.T, opts cache.Options) (*cache.Service, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	s, err := store.NewRedisStore(store.RedisConfig{
		Client:    redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}),
		OpTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	opts.Store = s
	return cache.NewService(opts), mr
}

func TestGetSet(t *testing.T) {
	ctx := context.Background()
	svc, mr := newService(t, cache.Options{})

	var got call
	assert.False(t, svc.Get(ctx, "call:1", &got))

	in := call{ID: "1", Duration: 300, Speakers: []string{"agent", "customer"}}
	require.True(t, svc.Set(ctx, "call:1", in))
	require.True(t, svc.Get(ctx, "call:1", &got))
	assert.Equal(t, in, got)
	assert.Equal(t, cache.DefaultTTL, mr.TTL("cache:call:1"))

	require.True(t, svc.Set(ctx, "short", 42, cache.WithTTL(10*time.Second)))
	assert.Equal(t, 10*time.Second, mr.TTL("cache:short"))

	mr.FastForward(11 * time.Second)
	n, ok := cache.Load[int](ctx, svc, "short")
	assert.False(t, ok)
	assert.Zero(t, n)

	n, ok = cache.Load[int](ctx, svc, "missing")
	assert.False(t, ok)
}

func TestSetWritesTagIndexes(t *testing.T) {
	ctx := context.Background()
	svc, mr := newService(t, cache.Options{})

	require.True(t, svc.Set(ctx, "a", "1", cache.WithTags("org:1", "user:7"), cache.WithTTL(time.Minute)))

	members, err := mr.SMembers("tag:org:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)

	tags, err := mr.SMembers("tagidx:a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"org:1", "user:7"}, tags)

	// Reverse index expires with the entry, forward indexes never expire
	assert.Equal(t, time.Minute, mr.TTL("tagidx:a"))
	assert.Zero(t, mr.TTL("tag:org:1"))
}

func TestInvalidateTag(t *testing.T) {
	ctx := context.Background()
	svc, mr := newService(t, cache.Options{})

	require.True(t, svc.Set(ctx, "a", 1, cache.WithTags("t1", "t2")))
	require.True(t, svc.Set(ctx, "b", 2, cache.WithTags("t1")))
	require.True(t, svc.Set(ctx, "c", 3, cache.WithTags("t2")))

	assert.Equal(t, int64(2), svc.InvalidateTag(ctx, "t1"))

	var v int
	assert.False(t, svc.Get(ctx, "a", &v))
	assert.False(t, svc.Get(ctx, "b", &v))
	assert.True(t, svc.Get(ctx, "c", &v))
	assert.False(t, mr.Exists("tag:t1"))
	assert.False(t, mr.Exists("tagidx:a"))

	// Nothing left to delete
	assert.Equal(t, int64(0), svc.InvalidateTag(ctx, "t1"))
	assert.Equal(t, int64(0), svc.InvalidateTag(ctx, "never-used"))

	// "a" is still listed in t2 until cleanup runs
	members, err := mr.SMembers("tag:t2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, members)

	assert.Equal(t, int64(1), svc.CleanupTags(ctx))
	members, err = mr.SMembers("tag:t2")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, members)
	assert.Equal(t, int64(1), svc.InvalidateTag(ctx, "t2"))
}

func TestInvalidateTagSkipsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	svc, mr := newService(t, cache.Options{})

	require.True(t, svc.Set(ctx, "a", 1, cache.WithTags("t"), cache.WithTTL(time.Second)))
	require.True(t, svc.Set(ctx, "b", 2, cache.WithTags("t"), cache.WithTTL(time.Hour)))
	mr.FastForward(2 * time.Second)

	assert.Equal(t, int64(1), svc.InvalidateTag(ctx, "t"))
	assert.False(t, mr.Exists("tag:t"))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	svc, mr := newService(t, cache.Options{})

	require.True(t, svc.Set(ctx, "x", "v", cache.WithTags("t1", "t2")))
	require.True(t, svc.Set(ctx, "y", "v", cache.WithTags("t1")))

	assert.True(t, svc.Delete(ctx, "x"))
	assert.False(t, mr.Exists("cache:x"))
	assert.False(t, mr.Exists("tagidx:x"))
	assert.False(t, mr.Exists("tag:t2"))

	members, err := mr.SMembers("tag:t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, members)

	// Deleting a missing key is not a failure
	assert.True(t, svc.Delete(ctx, "x"))
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	svc, mr := newService(t, cache.Options{})

	assert.Equal(t, cache.Stats{}, svc.Stats(ctx))

	var v string
	svc.Get(ctx, "k", &v)
	svc.Set(ctx, "k", "v")
	svc.Get(ctx, "k", &v)
	svc.Get(ctx, "k", &v)
	svc.Delete(ctx, "k")

	mr.Set("cache:corrupt", "{not json")
	svc.Get(ctx, "corrupt", &v)

	st := svc.Stats(ctx)
	assert.Equal(t, int64(2), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, int64(1), st.Sets)
	assert.Equal(t, int64(1), st.Deletes)
	assert.Equal(t, int64(1), st.Errors)
	assert.InDelta(t, 2.0/3.0, st.HitRate, 0.0001)
	assert.Equal(t, 4, testutil.CollectAndCount(svc, "calliq_cache_access_count"))
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	svc, mr := newService(t, cache.Options{})

	for i := 0; i < 3; i++ {
		require.True(t, svc.Set(ctx, fmt.Sprintf("k%d", i), i, cache.WithTags("t")))
	}
	mr.Set("rate_limit:api:x", "1")

	// 3 entries, 3 reverse indexes and one tag
	assert.Equal(t, int64(7), svc.Clear(ctx))
	assert.True(t, mr.Exists("rate_limit:api:x"))
	assert.Equal(t, int64(0), svc.Clear(ctx))
}

func TestWarmCache(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, cache.Options{WarmConcurrency: 4})

	var entries []cache.WarmEntry
	for i := 0; i < 25; i++ {
		entries = append(entries, cache.WarmEntry{
			Key:   fmt.Sprintf("warm:%d", i),
			Value: i,
			Tags:  []string{"warm"},
		})
	}
	// Values that can't be encoded fail on their own
	entries = append(entries, cache.WarmEntry{Key: "bad", Value: make(chan int)})

	r := svc.WarmCache(ctx, entries)
	assert.Equal(t, cache.WarmResult{Total: 26, Successful: 25}, r)

	v, ok := cache.Load[int](ctx, svc, "warm:13")
	assert.True(t, ok)
	assert.Equal(t, 13, v)
	assert.Equal(t, int64(25), svc.InvalidateTag(ctx, "warm"))
}

func TestStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	svc, mr := newService(t, cache.Options{})
	mr.Close()

	var v string
	assert.False(t, svc.Get(ctx, "k", &v))
	assert.False(t, svc.Set(ctx, "k", "v", cache.WithTags("t")))
	assert.False(t, svc.Delete(ctx, "k"))
	assert.Equal(t, int64(0), svc.InvalidateTag(ctx, "t"))
	assert.Equal(t, int64(0), svc.Clear(ctx))
	assert.Equal(t, cache.Stats{}, svc.Stats(ctx))
	assert.Equal(t, cache.WarmResult{Total: 1}, svc.WarmCache(ctx, []cache.WarmEntry{{Key: "a", Value: 1}}))

	expected := `
# HELP calliq_cache_errors_total Cache operations that failed because of the store or serialization.
# TYPE calliq_cache_errors_total counter
calliq_cache_errors_total 6
`
	assert.NoError(t, testutil.CollectAndCompare(svc, strings.NewReader(expected), "calliq_cache_errors_total"))
}

func TestNullStorePassThrough(t *testing.T) {
	ctx := context.Background()
	svc := cache.NewService(cache.Options{})

	var calls int
	fetch := func(context.Context) (string, error) {
		calls++
		return "fresh", nil
	}
	for i := 0; i < 3; i++ {
		v, err := cache.GetOrSet(ctx, svc, "k", fetch)
		require.NoError(t, err)
		assert.Equal(t, "fresh", v)
	}
	assert.Equal(t, 3, calls)
}
