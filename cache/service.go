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

package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/oadotman/calliq-sub001/store"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	KeyPrefix      = "cache:"
	TagPrefix      = "tag:"
	TagIndexPrefix = "tagidx:"
	StatsKey       = "metrics:cache"

	DefaultTTL = 300 * time.Second

	statHits    = "hits"
	statMisses  = "misses"
	statSets    = "sets"
	statDeletes = "deletes"
	statErrors  = "errors"

	deleteBatchSize = 500
)

type Options struct {
	Store  store.Store
	Logger logrus.FieldLogger

	// TTL used when Set() is not given WithTTL(). Default: 300s
	DefaultTTL time.Duration

	// Share a single fetch between concurrent GetOrSet() callers in this process
	// asking for the same key.
	Coalesce bool

	// Max parallel writes during WarmCache(). Default: 10
	WarmConcurrency int
}

// Stats are the cache counters shared by every instance.
type Stats struct {
	Hits    int64
	Misses  int64
	Sets    int64
	Deletes int64
	Errors  int64
	// hits / (hits + misses), zero when nothing was read yet.
	HitRate float64
}

type WarmEntry struct {
	Key   string
	Value interface{}
	TTL   time.Duration
	Tags  []string
}

type WarmResult struct {
	Total      int
	Successful int
}

type setOptions struct {
	ttl  time.Duration
	tags []string
}

type SetOption func(*setOptions)

// WithTTL overrides the default expiration of the entry.
func WithTTL(d time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = d }
}

// WithTags adds the entry to each tag so it can be invalidated with InvalidateTag().
func WithTags(tags ...string) SetOption {
	return func(o *setOptions) { o.tags = append(o.tags, tags...) }
}

var _ prometheus.Collector = &Service{}

// Service is a JSON value cache with tag based invalidation. Every entry `cache:<key>` is
// listed in the forward index `tag:<tag>` of each of its tags and in its own reverse index
// `tagidx:<key>` so it can be removed from its tags without scanning them. Store failures
// never reach the caller, a failed read is a miss and a failed write returns false.
type Service struct {
	opts   Options
	log    logrus.FieldLogger
	group  singleflight.Group
	access *prometheus.CounterVec
	errs   prometheus.Counter
}

func NewService(opts Options) *Service {
	setter.SetDefault(&opts.Store, store.Store(store.NullStore{}))
	setter.SetDefault(&opts.Logger, logrus.WithField("category", "cache"))
	setter.SetDefault(&opts.DefaultTTL, DefaultTTL)
	setter.SetDefault(&opts.WarmConcurrency, 10)

	return &Service{
		opts: opts,
		log:  opts.Logger,
		access: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calliq_cache_access_count",
			Help: "Cache access counts.  Label \"type\" = hit|miss|set|delete.",
		}, []string{"type"}),
		errs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calliq_cache_errors_total",
			Help: "Cache operations that failed because of the store or serialization.",
		}),
	}
}

// Get decodes the entry for key into dst. Returns false on a miss or any failure.
func (s *Service) Get(ctx context.Context, key string, dst interface{}) bool {
	v, err := s.opts.Store.Get(ctx, KeyPrefix+key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.record(ctx, statMisses, 1)
			return false
		}
		s.fail(ctx, err, key, "while reading cache entry")
		return false
	}

	if err := json.Unmarshal([]byte(v), dst); err != nil {
		s.fail(ctx, err, key, "while decoding cache entry")
		return false
	}
	s.record(ctx, statHits, 1)
	return true
}

// Set stores value under key. The entry, its tag memberships and its reverse index are
// written in a single transaction.
func (s *Service) Set(ctx context.Context, key string, value interface{}, opts ...SetOption) bool {
	o := setOptions{ttl: s.opts.DefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		o.ttl = s.opts.DefaultTTL
	}

	b, err := json.Marshal(value)
	if err != nil {
		s.fail(ctx, err, key, "while encoding cache entry")
		return false
	}

	idx := TagIndexPrefix + key
	err = s.opts.Store.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, KeyPrefix+key, b, o.ttl)
		for _, tag := range o.tags {
			p.SAdd(ctx, TagPrefix+tag, key)
		}
		if len(o.tags) != 0 {
			p.SAdd(ctx, idx, toInterfaces(o.tags)...)
		}
		// Tags from an earlier Set() are kept, their index lives as long as the entry.
		p.PExpire(ctx, idx, o.ttl)
		return nil
	})
	if err != nil {
		s.fail(ctx, err, key, "while writing cache entry")
		return false
	}
	s.record(ctx, statSets, 1)
	return true
}

// Delete removes the entry for key and drops it from every tag it was stored with.
func (s *Service) Delete(ctx context.Context, key string) bool {
	idx := TagIndexPrefix + key
	tags, err := s.opts.Store.SMembers(ctx, idx)
	if err != nil {
		s.fail(ctx, err, key, "while reading cache tag index")
		return false
	}

	err = s.opts.Store.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, KeyPrefix+key, idx)
		for _, tag := range tags {
			p.SRem(ctx, TagPrefix+tag, key)
		}
		return nil
	})
	if err != nil {
		s.fail(ctx, err, key, "while deleting cache entry")
		return false
	}
	s.record(ctx, statDeletes, 1)
	return true
}

// InvalidateTag deletes every entry stored with tag and the tag itself. Returns the number
// of entries that were actually deleted. Other tags of the deleted entries keep listing
// them until CleanupTags() runs.
func (s *Service) InvalidateTag(ctx context.Context, tag string) int64 {
	tagKey := TagPrefix + tag
	members, err := s.opts.Store.SMembers(ctx, tagKey)
	if err != nil {
		s.fail(ctx, err, tag, "while reading cache tag")
		return 0
	}
	if len(members) == 0 {
		return 0
	}

	entries := make([]string, 0, len(members))
	indexes := make([]string, 0, len(members)+1)
	for _, m := range members {
		entries = append(entries, KeyPrefix+m)
		indexes = append(indexes, TagIndexPrefix+m)
	}
	indexes = append(indexes, tagKey)

	var deleted *redis.IntCmd
	err = s.opts.Store.TxPipelined(ctx, func(p redis.Pipeliner) error {
		deleted = p.Del(ctx, entries...)
		p.Del(ctx, indexes...)
		return nil
	})
	if err != nil {
		s.fail(ctx, err, tag, "while invalidating cache tag")
		return 0
	}

	n := deleted.Val()
	if n != 0 {
		s.record(ctx, statDeletes, n)
	}
	s.log.WithFields(logrus.Fields{"tag": tag, "deleted": n}).Debug("invalidated cache tag")
	return n
}

// WarmCache writes all the entries in parallel. A failed entry does not stop the others.
func (s *Service) WarmCache(ctx context.Context, entries []WarmEntry) WarmResult {
	fan := syncutil.NewFanOut(s.opts.WarmConcurrency)
	for _, e := range entries {
		fan.Run(func(obj interface{}) error {
			e := obj.(WarmEntry)
			if !s.Set(ctx, e.Key, e.Value, WithTTL(e.TTL), WithTags(e.Tags...)) {
				return errors.Errorf("while warming '%s'", e.Key)
			}
			return nil
		}, e)
	}
	errs := fan.Wait()

	r := WarmResult{Total: len(entries), Successful: len(entries) - len(errs)}
	s.log.WithFields(logrus.Fields{
		"total":      r.Total,
		"successful": r.Successful,
	}).Info("cache warmed")
	return r
}

// Stats returns the shared counters, all zero if the store is unavailable.
func (s *Service) Stats(ctx context.Context) Stats {
	m, err := s.opts.Store.HGetAll(ctx, StatsKey)
	if err != nil {
		s.logStoreError(err, StatsKey, "while fetching cache stats")
		return Stats{}
	}
	parse := func(field string) int64 {
		v, _ := strconv.ParseInt(m[field], 10, 64)
		return v
	}
	st := Stats{
		Hits:    parse(statHits),
		Misses:  parse(statMisses),
		Sets:    parse(statSets),
		Deletes: parse(statDeletes),
		Errors:  parse(statErrors),
	}
	if reads := st.Hits + st.Misses; reads > 0 {
		st.HitRate = float64(st.Hits) / float64(reads)
	}
	return st
}

// Clear deletes every entry, tag and tag index. This walks the whole keyspace and is
// meant for maintenance only.
func (s *Service) Clear(ctx context.Context) int64 {
	var total int64
	for _, pattern := range []string{KeyPrefix + "*", TagPrefix + "*", TagIndexPrefix + "*"} {
		keys, err := s.opts.Store.Keys(ctx, pattern)
		if err != nil {
			s.fail(ctx, err, pattern, "while listing cache keys")
			return total
		}
		for len(keys) != 0 {
			batch := keys
			if len(batch) > deleteBatchSize {
				batch = keys[:deleteBatchSize]
			}
			keys = keys[len(batch):]

			n, err := s.opts.Store.Del(ctx, batch...)
			if err != nil {
				s.fail(ctx, err, pattern, "while clearing cache")
				return total
			}
			total += n
		}
	}
	s.log.WithField("deleted", total).Info("cache cleared")
	return total
}

// CleanupTags removes members of every tag whose entry no longer exists, and tags left
// empty. Returns the number of members removed.
func (s *Service) CleanupTags(ctx context.Context) int64 {
	tagKeys, err := s.opts.Store.Keys(ctx, TagPrefix+"*")
	if err != nil {
		s.logStoreError(err, TagPrefix+"*", "while listing cache tags")
		return 0
	}

	var pruned int64
	for _, tagKey := range tagKeys {
		members, err := s.opts.Store.SMembers(ctx, tagKey)
		if err != nil {
			s.logStoreError(err, tagKey, "while reading cache tag")
			continue
		}

		exists := make([]*redis.IntCmd, len(members))
		err = s.opts.Store.Pipelined(ctx, func(p redis.Pipeliner) error {
			for i, m := range members {
				exists[i] = p.Exists(ctx, KeyPrefix+m)
			}
			return nil
		})
		if err != nil {
			s.logStoreError(err, tagKey, "while checking cache tag members")
			continue
		}

		var stale []string
		for i, m := range members {
			if exists[i].Val() == 0 {
				stale = append(stale, m)
			}
		}
		if len(stale) == 0 {
			continue
		}

		if len(stale) == len(members) {
			_, err = s.opts.Store.Del(ctx, tagKey)
		} else {
			err = s.opts.Store.SRem(ctx, tagKey, stale...)
		}
		if err != nil {
			s.logStoreError(err, tagKey, "while pruning cache tag")
			continue
		}
		pruned += int64(len(stale))
	}

	if pruned != 0 {
		s.log.WithField("pruned", pruned).Debug("cleaned up cache tags")
	}
	return pruned
}

// record is best effort, the counters are informational.
func (s *Service) record(ctx context.Context, field string, n int64) {
	switch field {
	case statHits:
		s.access.WithLabelValues("hit").Add(float64(n))
	case statMisses:
		s.access.WithLabelValues("miss").Add(float64(n))
	case statSets:
		s.access.WithLabelValues("set").Add(float64(n))
	case statDeletes:
		s.access.WithLabelValues("delete").Add(float64(n))
	}
	if _, err := s.opts.Store.HIncrBy(ctx, StatsKey, field, n); err != nil {
		s.log.WithError(err).Debug("while recording cache stats")
	}
}

func (s *Service) fail(ctx context.Context, err error, key, msg string) {
	s.errs.Inc()
	s.logStoreError(err, key, msg)
	if errors.Is(err, store.ErrUnavailable) {
		// No point in counting the failure in the store that just failed.
		return
	}
	s.record(ctx, statErrors, 1)
}

func (s *Service) logStoreError(err error, key, msg string) {
	if store.IsDisabled(err) {
		s.log.WithField("key", key).Debug(msg)
		return
	}
	s.log.WithError(err).WithField("key", key).Warn(msg)
}

func (s *Service) Describe(ch chan<- *prometheus.Desc) {
	s.access.Describe(ch)
	s.errs.Describe(ch)
}

func (s *Service) Collect(ch chan<- prometheus.Metric) {
	s.access.Collect(ch)
	s.errs.Collect(ch)
}

func toInterfaces(s []string) []interface{} {
	out := make([]interface{}, len(s))
	for i := range s {
		out[i] = s[i]
	}
	return out
}
