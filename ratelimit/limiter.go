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
	"strings"
	"sync/atomic"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/oadotman/calliq-sub001/store"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	KeyPrefix = "rate_limit:"
	StatsKey  = "metrics:rate_limit"

	decisionAllowed  = "allowed"
	decisionDenied   = "denied"
	decisionFailOpen = "fail_open"
)

var tracer = otel.Tracer("github.com/oadotman/calliq-sub001/ratelimit")

// Policy names a limit applied over a sliding window.
type Policy struct {
	Name   string
	Limit  int64
	Window time.Duration
}

var (
	PolicyAPI     = Policy{Name: "api", Limit: 100, Window: time.Minute}
	PolicyAuth    = Policy{Name: "auth", Limit: 5, Window: 15 * time.Minute}
	PolicyUpload  = Policy{Name: "upload", Limit: 10, Window: time.Hour}
	PolicyWebhook = Policy{Name: "webhook", Limit: 300, Window: time.Minute}
)

// DefaultPolicies returns the policies every deployment starts with.
func DefaultPolicies() []Policy {
	return []Policy{PolicyAPI, PolicyAuth, PolicyUpload, PolicyWebhook}
}

// ParsePolicy parses a limit in the form `<limit>/<window>` IE: `100/1m`
func ParsePolicy(name, s string) (Policy, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 {
		return Policy{}, errors.Errorf("invalid rate limit '%s' for '%s'; expected '<limit>/<window>'", s, name)
	}
	limit, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return Policy{}, errors.Wrapf(err, "while parsing limit for '%s'", name)
	}
	window, err := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil {
		return Policy{}, errors.Wrapf(err, "while parsing window for '%s'", name)
	}
	p := Policy{Name: name, Limit: limit, Window: window}
	return p, p.Validate()
}

func (p Policy) Validate() error {
	if p.Name == "" {
		return errors.New("policy name cannot be empty")
	}
	if p.Limit <= 0 {
		return errors.Errorf("policy '%s' limit must be greater than zero", p.Name)
	}
	if p.Window < time.Millisecond {
		return errors.Errorf("policy '%s' window must be at least 1ms", p.Name)
	}
	return nil
}

func (p Policy) String() string {
	return strconv.FormatInt(p.Limit, 10) + "/" + p.Window.String()
}

type Config struct {
	Policy Policy

	// Shared window store, one is created from Store if nil
	Windows *WindowStore
	Store   store.Store

	Logger logrus.FieldLogger
}

// DecisionStats are the shared (cross instance) decision counters for a policy.
type DecisionStats struct {
	Allowed int64
	Denied  int64
}

var _ prometheus.Collector = &Limiter{}

// Limiter applies a single Policy to many identifiers (IP, user, API key).
type Limiter struct {
	conf      Config
	log       logrus.FieldLogger
	paused    atomic.Bool
	decisions *prometheus.CounterVec
}

func NewLimiter(conf Config) (*Limiter, error) {
	if err := conf.Policy.Validate(); err != nil {
		return nil, err
	}
	setter.SetDefault(&conf.Store, store.Store(store.NullStore{}))
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "ratelimit"))
	conf.Logger = conf.Logger.WithField("policy", conf.Policy.Name)
	if conf.Windows == nil {
		conf.Windows = NewWindowStore(WindowConfig{Store: conf.Store, Logger: conf.Logger})
	}

	return &Limiter{
		conf: conf,
		log:  conf.Logger,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "calliq_rate_limit_decisions_total",
			Help:        "Rate limit decisions.  Label \"decision\" = allowed|denied|fail_open.",
			ConstLabels: prometheus.Labels{"policy": conf.Policy.Name},
		}, []string{"decision"}),
	}, nil
}

func (l *Limiter) Policy() Policy {
	return l.conf.Policy
}

// Take records a request for identifier and returns the window state. The error is
// ErrAdmissionPaused or a *RateLimitError when the request must be rejected.
func (l *Limiter) Take(ctx context.Context, identifier string) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "Limiter.Take", trace.WithAttributes(
		attribute.String("ratelimit.policy", l.conf.Policy.Name),
	))
	defer func() {
		span.SetAttributes(
			attribute.Bool("ratelimit.allowed", err == nil),
			attribute.Int64("ratelimit.remaining", res.Remaining),
		)
		span.End()
	}()

	if l.Paused() {
		return Result{Limit: l.conf.Policy.Limit, ResetTime: clock.Now()}, ErrAdmissionPaused
	}

	res = l.conf.Windows.Increment(ctx, l.key(identifier), l.conf.Policy.Window, l.conf.Policy.Limit)
	switch {
	case res.FailedOpen:
		l.record(ctx, decisionFailOpen)
	case res.Allowed:
		l.record(ctx, decisionAllowed)
	default:
		l.record(ctx, decisionDenied)
		return res, &RateLimitError{
			Policy:     l.conf.Policy.Name,
			Identifier: identifier,
			Result:     res,
		}
	}
	return res, nil
}

// Check admits or rejects a request for identifier. Intended to short circuit a request
// pipeline; any non nil error means the request must not proceed.
func (l *Limiter) Check(ctx context.Context, identifier string) error {
	_, err := l.Take(ctx, identifier)
	return err
}

// Status returns the current window for identifier without counting a request. Allowed
// reports if the next request would be admitted, so it turns false once the window holds
// Limit requests, while Take() still admitted the request that filled it.
func (l *Limiter) Status(ctx context.Context, identifier string) Result {
	return l.conf.Windows.Check(ctx, l.key(identifier), l.conf.Policy.Window, l.conf.Policy.Limit)
}

// Reset forgets every request recorded for identifier.
func (l *Limiter) Reset(ctx context.Context, identifier string) bool {
	return l.conf.Windows.Reset(ctx, l.key(identifier))
}

// Pause rejects every request with ErrAdmissionPaused until Resume() is called.
func (l *Limiter) Pause() {
	if !l.paused.Swap(true) {
		l.log.Warn("admission paused")
	}
}

func (l *Limiter) Resume() {
	if l.paused.Swap(false) {
		l.log.Info("admission resumed")
	}
}

func (l *Limiter) Paused() bool {
	return l.paused.Load()
}

// Stats returns the decision counters shared by every instance. Returns zero counts
// if the store is unavailable.
func (l *Limiter) Stats(ctx context.Context) DecisionStats {
	m, err := l.conf.Store.HGetAll(ctx, StatsKey)
	if err != nil {
		if !store.IsDisabled(err) {
			l.log.WithError(err).Warn("while fetching rate limit stats")
		}
		return DecisionStats{}
	}
	prefix := l.conf.Policy.Name + ":"
	parse := func(field string) int64 {
		v, _ := strconv.ParseInt(m[prefix+field], 10, 64)
		return v
	}
	return DecisionStats{
		Allowed: parse(decisionAllowed),
		Denied:  parse(decisionDenied),
	}
}

func (l *Limiter) key(identifier string) string {
	return KeyPrefix + l.conf.Policy.Name + ":" + identifier
}

// record is best effort, a failure to count must never fail the request.
func (l *Limiter) record(ctx context.Context, decision string) {
	l.decisions.WithLabelValues(decision).Inc()
	if decision == decisionFailOpen {
		// The store just failed, don't wait on it a second time. Fail open
		// decisions are only visible through prometheus.
		return
	}
	if _, err := l.conf.Store.HIncrBy(ctx, StatsKey, l.conf.Policy.Name+":"+decision, 1); err != nil {
		l.log.WithError(err).Debug("while recording rate limit decision")
	}
}

func (l *Limiter) Describe(ch chan<- *prometheus.Desc) {
	l.decisions.Describe(ch)
}

func (l *Limiter) Collect(ch chan<- prometheus.Metric) {
	l.decisions.Collect(ch)
}
