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
	"time"

	"github.com/pkg/errors"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "CLOSED":
		*s = Closed
	case "OPEN":
		*s = Open
	case "HALF_OPEN":
		*s = HalfOpen
	default:
		return errors.Errorf("unknown circuit state '%s'", b)
	}
	return nil
}

// Snapshot is the state of a breaker as shared with other instances. It is advisory, each
// instance acts on its own in-memory copy.
type Snapshot struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	Failures        int64     `json:"failures"`
	Successes       int64     `json:"successes"`
	Requests        int64     `json:"requests"`
	WindowStart     time.Time `json:"windowStart"`
	LastFailureTime time.Time `json:"lastFailureTime"`
	NextAttempt     time.Time `json:"nextAttempt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// machine holds the transition rules of a breaker. It does no I/O and is not
// thread safe, CircuitBreaker serializes access to it.
type machine struct {
	opts *Options

	state       State
	failures    int64
	successes   int64
	requests    int64
	windowStart time.Time
	lastFailure time.Time
	nextAttempt time.Time
	probes      int64
}

func newMachine(opts *Options, now time.Time) *machine {
	return &machine{opts: opts, windowStart: now}
}

// admit reports if a call may proceed at now. An OPEN machine whose reset timeout has
// elapsed moves to HALF_OPEN and admits the call as a probe.
func (m *machine) admit(now time.Time) bool {
	switch m.state {
	case Closed:
		if m.opts.MonitoringPeriod > 0 && now.Sub(m.windowStart) >= m.opts.MonitoringPeriod {
			m.resetCounts(now)
		}
		return true
	case Open:
		if now.Before(m.nextAttempt) {
			return false
		}
		m.state = HalfOpen
		m.probes = 0
	}

	if m.opts.HalfOpenMaxProbes > 0 && m.probes >= m.opts.HalfOpenMaxProbes {
		return false
	}
	m.probes++
	return true
}

// release gives back an admitted call that finished without an outcome.
func (m *machine) release() {
	if m.state == HalfOpen && m.probes > 0 {
		m.probes--
	}
}

func (m *machine) onSuccess(now time.Time) {
	switch m.state {
	case HalfOpen:
		m.state = Closed
		m.probes = 0
		m.resetCounts(now)
		m.lastFailure = time.Time{}
		m.nextAttempt = time.Time{}
	case Closed:
		m.failures = 0
		m.successes++
		m.requests++
	}
}

// onFailure returns true if the failure opened the circuit.
func (m *machine) onFailure(now time.Time) bool {
	m.failures++
	m.requests++
	m.lastFailure = now

	switch m.state {
	case HalfOpen:
		m.open(now)
		return true
	case Closed:
		if m.shouldOpen() {
			m.open(now)
			return true
		}
	}
	return false
}

// shouldOpen requires enough volume to judge before either threshold can trip the circuit.
func (m *machine) shouldOpen() bool {
	if m.requests < m.opts.VolumeThreshold || m.requests == 0 {
		return false
	}
	return m.failures >= m.opts.FailureThreshold ||
		m.failures*100/m.requests >= m.opts.ErrorThresholdPercentage
}

func (m *machine) open(now time.Time) {
	m.state = Open
	m.probes = 0
	m.nextAttempt = now.Add(m.opts.ResetTimeout)
}

func (m *machine) reset(now time.Time) {
	m.state = Closed
	m.probes = 0
	m.lastFailure = time.Time{}
	m.nextAttempt = time.Time{}
	m.resetCounts(now)
}

func (m *machine) resetCounts(now time.Time) {
	m.failures = 0
	m.successes = 0
	m.requests = 0
	m.windowStart = now
}

func (m *machine) snapshot(name string, now time.Time) Snapshot {
	return Snapshot{
		Name:            name,
		State:           m.state,
		Failures:        m.failures,
		Successes:       m.successes,
		Requests:        m.requests,
		WindowStart:     m.windowStart,
		LastFailureTime: m.lastFailure,
		NextAttempt:     m.nextAttempt,
		UpdatedAt:       now,
	}
}

func (m *machine) restore(s Snapshot) {
	m.state = s.State
	m.failures = s.Failures
	m.successes = s.Successes
	m.requests = s.Requests
	m.windowStart = s.WindowStart
	m.lastFailure = s.LastFailureTime
	m.nextAttempt = s.NextAttempt
	m.probes = 0
}
