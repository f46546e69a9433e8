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

	"github.com/oadotman/calliq-sub001/breaker"
	"github.com/oadotman/calliq-sub001/cache"
	"github.com/oadotman/calliq-sub001/ratelimit"
	"github.com/oadotman/calliq-sub001/store"
	"github.com/pkg/errors"
)

// Metrics is a point in time view of every component.
type Metrics struct {
	InstanceID      string                             `json:"instanceId"`
	StoreHealthy    bool                               `json:"storeHealthy"`
	StoreError      string                             `json:"storeError,omitempty"`
	AdmissionPaused bool                               `json:"admissionPaused"`
	Policies        map[string]string                  `json:"policies"`
	RateLimits      map[string]ratelimit.DecisionStats `json:"rateLimits"`
	Cache           cache.Stats                        `json:"cache"`
	Circuits        map[string]breaker.Snapshot        `json:"circuits"`
	Alerts          []breaker.Alert                    `json:"alerts"`
}

func (c *Coordinator) Metrics(ctx context.Context) Metrics {
	m := Metrics{
		InstanceID:      c.conf.InstanceID,
		StoreHealthy:    true,
		AdmissionPaused: c.AdmissionPaused(),
		Policies:        make(map[string]string, len(c.limiters)),
		RateLimits:      make(map[string]ratelimit.DecisionStats, len(c.limiters)),
		Cache:           c.cache.Stats(ctx),
		Circuits:        c.breakers.GetAllStates(),
	}

	if err := c.store.Ping(ctx); err != nil {
		m.StoreHealthy = false
		m.StoreError = err.Error()
	}

	for name, l := range c.limiters {
		m.Policies[name] = l.Policy().String()
		m.RateLimits[name] = l.Stats(ctx)
	}

	alerts, err := c.breakers.RecentAlerts(ctx)
	if err != nil && !store.IsDisabled(err) {
		c.log.WithError(err).Warn("while fetching recent alerts")
	}
	m.Alerts = alerts
	return m
}

// PauseAdmission rejects every request of every policy handled by this process until
// ResumeAdmission() is called. Other instances are not affected.
func (c *Coordinator) PauseAdmission() {
	for _, l := range c.limiters {
		l.Pause()
	}
}

func (c *Coordinator) ResumeAdmission() {
	for _, l := range c.limiters {
		l.Resume()
	}
}

func (c *Coordinator) AdmissionPaused() bool {
	for _, l := range c.limiters {
		if l.Paused() {
			return true
		}
	}
	return false
}

func (c *Coordinator) ResetBreaker(ctx context.Context, name string) error {
	return c.breakers.Reset(ctx, name)
}

func (c *Coordinator) ResetAllBreakers(ctx context.Context) {
	c.breakers.ResetAll(ctx)
}

// ClearCache deletes every cache entry and tag. Returns the number of keys deleted.
func (c *Coordinator) ClearCache(ctx context.Context) int64 {
	return c.cache.Clear(ctx)
}

func (c *Coordinator) InvalidateCacheTag(ctx context.Context, tag string) int64 {
	return c.cache.InvalidateTag(ctx, tag)
}

// ResetRateLimit forgets every request identifier made under policy.
func (c *Coordinator) ResetRateLimit(ctx context.Context, policy, identifier string) error {
	l, err := c.Limiter(policy)
	if err != nil {
		return err
	}
	if !l.Reset(ctx, identifier) {
		return errors.Wrapf(store.ErrUnavailable, "while resetting '%s' on policy '%s'", identifier, policy)
	}
	return nil
}
