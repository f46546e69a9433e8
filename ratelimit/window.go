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

package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/oadotman/calliq-sub001/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Result is the outcome of a sliding window evaluation.
type Result struct {
	// From Increment(), if the recorded request was admitted. From Check(), if the next one would be.
	Allowed   bool
	Limit     int64
	Remaining int64
	// When the window is expected to have room again.
	ResetTime time.Time
	// Only set when the request was rejected, rounded up to whole seconds.
	RetryAfter time.Duration
	// True when the shared store could not be reached and the request was let through.
	FailedOpen bool
}

type WindowConfig struct {
	Store  store.Store
	Logger logrus.FieldLogger
}

var _ prometheus.Collector = &WindowStore{}

// WindowStore implements a sliding window counter on top of a sorted set per key. Each request
// is a member scored with its arrival time in milliseconds, members older than the window are
// pruned before counting so the count never includes stale requests.
type WindowStore struct {
	conf     WindowConfig
	log      logrus.FieldLogger
	failOpen prometheus.Counter
}

func NewWindowStore(conf WindowConfig) *WindowStore {
	setter.SetDefault(&conf.Store, store.Store(store.NullStore{}))
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "ratelimit"))

	return &WindowStore{
		conf: conf,
		log:  conf.Logger,
		failOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calliq_rate_limit_fail_open_total",
			Help: "Rate limit evaluations that were allowed because the shared store failed.",
		}),
	}
}

// Increment records a request for key and reports if it fits in the window. Pruning, insertion,
// counting and the expiry refresh are sent as a single MULTI/EXEC so two concurrent requests can
// never both observe a stale count.
func (w *WindowStore) Increment(ctx context.Context, key string, window time.Duration, limit int64) Result {
	now := clock.Now()
	nowMs := now.UnixMilli()
	start := nowMs - window.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	var count *redis.IntCmd
	var oldest *redis.ZSliceCmd
	err := w.conf.Store.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(start, 10))
		p.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: member})
		count = p.ZCount(ctx, key, strconv.FormatInt(start, 10), strconv.FormatInt(nowMs, 10))
		oldest = p.ZRangeWithScores(ctx, key, 0, 0)
		p.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		return w.openResult(key, now, window, limit, err)
	}

	n := count.Val()
	return evaluate(now, window, limit, n, n <= limit, oldest.Val())
}

// Check reports the state of the window without recording a request. It counts like
// Increment() but for a request that has not been made yet: Allowed is true if the next
// request would be admitted (count < limit).
func (w *WindowStore) Check(ctx context.Context, key string, window time.Duration, limit int64) Result {
	now := clock.Now()
	nowMs := now.UnixMilli()
	lo := strconv.FormatInt(nowMs-window.Milliseconds(), 10)
	hi := strconv.FormatInt(nowMs, 10)

	var count *redis.IntCmd
	var oldest *redis.ZSliceCmd
	err := w.conf.Store.TxPipelined(ctx, func(p redis.Pipeliner) error {
		count = p.ZCount(ctx, key, lo, hi)
		oldest = p.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: lo, Max: hi, Count: 1})
		return nil
	})
	if err != nil {
		return w.openResult(key, now, window, limit, err)
	}

	n := count.Val()
	return evaluate(now, window, limit, n, n < limit, oldest.Val())
}

// Reset removes the window for key entirely.
func (w *WindowStore) Reset(ctx context.Context, key string) bool {
	if _, err := w.conf.Store.Del(ctx, key); err != nil {
		w.logStoreError(err, key, "while resetting rate limit window")
		return false
	}
	return true
}

func evaluate(now time.Time, window time.Duration, limit, count int64, allowed bool, oldest []redis.Z) Result {
	r := Result{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: limit - count,
		ResetTime: now.Add(window),
	}
	if r.Remaining < 0 {
		r.Remaining = 0
	}
	if allowed {
		return r
	}

	if len(oldest) != 0 {
		r.ResetTime = time.UnixMilli(int64(oldest[0].Score)).Add(window)
	}
	r.RetryAfter = retryAfter(r.ResetTime.Sub(now))
	return r
}

// retryAfter rounds d up to whole seconds, never less than one second.
func retryAfter(d time.Duration) time.Duration {
	secs := (d + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}

func (w *WindowStore) openResult(key string, now time.Time, window time.Duration, limit int64, err error) Result {
	w.failOpen.Inc()
	w.logStoreError(err, key, "rate limit store failed; allowing request")
	return Result{
		Allowed:    true,
		Limit:      limit,
		Remaining:  limit,
		ResetTime:  now.Add(window),
		FailedOpen: true,
	}
}

func (w *WindowStore) logStoreError(err error, key, msg string) {
	if store.IsDisabled(err) {
		w.log.WithField("key", key).Debug(msg)
		return
	}
	w.log.WithError(err).WithField("key", key).Warn(msg)
}

func (w *WindowStore) Describe(ch chan<- *prometheus.Desc) {
	w.failOpen.Describe(ch)
}

func (w *WindowStore) Collect(ch chan<- prometheus.Metric) {
	w.failOpen.Collect(ch)
}
