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

package breaker_test

import (
	"context"
	"testing"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/oadotman/calliq-sub001/breaker"
	"github.com/oadotman/calliq-sub001/store"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = breaker.RetryOptions{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestGetBreaker(t *testing.T) {
	ctx := context.Background()
	f := breaker.NewFactory(breaker.FactoryConfig{})

	a := f.GetBreaker(ctx, "payments", breaker.Preset(breaker.Payments))
	b := f.GetBreaker(ctx, "payments", breaker.Options{})
	assert.Same(t, a, b)
	assert.NotSame(t, a, f.GetBreaker(ctx, "email", breaker.Options{}))

	_, ok := f.Lookup("missing")
	assert.False(t, ok)
}

// blockingStore holds every Get until release is closed.
type blockingStore struct {
	store.NullStore
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) Get(ctx context.Context, key string) (string, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return "", store.ErrNotFound
}

func TestGetBreakerLoadsOutsideLock(t *testing.T) {
	ctx := context.Background()
	s := &blockingStore{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f := breaker.NewFactory(breaker.FactoryConfig{Store: s})
	email := f.GetBreaker(ctx, "email", breaker.Options{Store: store.NullStore{}})

	loaded := make(chan *breaker.CircuitBreaker)
	go func() {
		loaded <- f.GetBreaker(ctx, "slow", breaker.Options{})
	}()
	<-s.entered

	// The factory stays usable while "slow" waits on the store
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Contains(t, f.GetAllStates(), "email")
		assert.Same(t, email, f.GetBreaker(ctx, "email", breaker.Options{}))
		f.GetBreaker(ctx, "database", breaker.Options{Store: store.NullStore{}})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("factory blocked while a breaker was loading")
	}

	close(s.release)
	slow := <-loaded
	assert.Same(t, slow, f.GetBreaker(ctx, "slow", breaker.Options{}))
	assert.Len(t, f.GetAllStates(), 3)
}

func TestExecuteWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("GivesUpAfterMaxRetries", func(t *testing.T) {
		f := breaker.NewFactory(breaker.FactoryConfig{})
		var c counter
		_, err := f.ExecuteWithRetry(ctx, "transcription", c.fail, fastRetry)
		assert.True(t, errors.Is(err, errUpstream))
		assert.Equal(t, 4, c.calls)
	})

	t.Run("StopsOnSuccess", func(t *testing.T) {
		f := breaker.NewFactory(breaker.FactoryConfig{})
		var calls int
		v, err := f.ExecuteWithRetry(ctx, "email", func(context.Context) (interface{}, error) {
			calls++
			if calls < 3 {
				return nil, errUpstream
			}
			return "sent", nil
		}, fastRetry)
		require.NoError(t, err)
		assert.Equal(t, "sent", v)
		assert.Equal(t, 3, calls)
	})

	t.Run("StopsWhenCircuitOpens", func(t *testing.T) {
		f := breaker.NewFactory(breaker.FactoryConfig{})
		f.GetBreaker(ctx, "flaky", breaker.Options{VolumeThreshold: 1, FailureThreshold: 1})

		var c counter
		_, err := f.ExecuteWithRetry(ctx, "flaky", c.fail, fastRetry)
		assert.True(t, errors.Is(err, breaker.ErrCircuitOpen))
		assert.Equal(t, 1, c.calls)
	})

	t.Run("NoRetries", func(t *testing.T) {
		f := breaker.NewFactory(breaker.FactoryConfig{})
		var c counter
		_, err := f.ExecuteWithRetry(ctx, "transcription", c.fail, breaker.RetryOptions{MaxRetries: -1})
		assert.Error(t, err)
		assert.Equal(t, 1, c.calls)
	})

	t.Run("ZeroMaxRetriesMakesOneAttempt", func(t *testing.T) {
		f := breaker.NewFactory(breaker.FactoryConfig{})
		var c counter
		_, err := f.ExecuteWithRetry(ctx, "transcription", c.fail,
			breaker.RetryOptions{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})
		assert.Error(t, err)
		assert.Equal(t, 1, c.calls)

		c = counter{}
		_, err = f.ExecuteWithRetry(ctx, "transcription", c.fail, breaker.RetryOptions{})
		assert.Error(t, err)
		assert.Equal(t, 1, c.calls)
	})

	t.Run("ZeroInitialDelayRetriesImmediately", func(t *testing.T) {
		f := breaker.NewFactory(breaker.FactoryConfig{})
		var c counter
		start := time.Now()
		_, err := f.ExecuteWithRetry(ctx, "transcription", c.fail, breaker.RetryOptions{MaxRetries: 2})
		assert.Error(t, err)
		assert.Equal(t, 3, c.calls)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("ContextCancelledWhileWaiting", func(t *testing.T) {
		f := breaker.NewFactory(breaker.FactoryConfig{})
		ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		var c counter
		start := time.Now()
		_, err := f.ExecuteWithRetry(ctx, "transcription", c.fail, breaker.RetryOptions{MaxRetries: 3, InitialDelay: time.Hour})
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Equal(t, 1, c.calls)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestFactoryStates(t *testing.T) {
	defer clock.Freeze(epoch).Unfreeze()
	ctx := context.Background()
	s, _ := newStore(t)
	f := breaker.NewFactory(breaker.FactoryConfig{Store: s})
	f.RegisterPresets(ctx)

	states := f.GetAllStates()
	require.Len(t, states, 5)
	for name, snap := range states {
		assert.Equal(t, breaker.Closed, snap.State, name)
	}

	db, ok := f.Lookup(breaker.Database)
	require.True(t, ok)
	openBreaker(t, db)
	clock.Advance(time.Second)
	email, _ := f.Lookup(breaker.Email)
	openBreaker(t, email)

	states = f.GetAllStates()
	assert.Equal(t, breaker.Open, states[breaker.Database].State)
	assert.Equal(t, breaker.Open, states[breaker.Email].State)
	assert.Equal(t, breaker.Closed, states[breaker.Payments].State)
	assert.Equal(t, 5, testutil.CollectAndCount(f, "calliq_circuit_state"))

	alerts, err := f.RecentAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, breaker.Email, alerts[0].Service)
	assert.Equal(t, breaker.Database, alerts[1].Service)
	assert.Equal(t, "opened", alerts[0].Event)

	require.NoError(t, f.Reset(ctx, breaker.Database))
	assert.Equal(t, breaker.Closed, db.State())
	err = f.Reset(ctx, "nope")
	assert.True(t, errors.Is(err, breaker.ErrUnknownBreaker))

	f.ResetAll(ctx)
	assert.Equal(t, breaker.Closed, email.State())
}

func TestPresetFallbacks(t *testing.T) {
	defer clock.Freeze(epoch).Unfreeze()
	ctx := context.Background()
	f := breaker.NewFactory(breaker.FactoryConfig{})
	f.RegisterPresets(ctx)

	email, _ := f.Lookup(breaker.Email)
	openBreaker(t, email)
	v, err := email.Execute(ctx, (&counter{}).succeed)
	require.NoError(t, err)
	d, ok := v.(*breaker.Deferred)
	require.True(t, ok)
	assert.Equal(t, "queued for later", d.Message)

	payments, _ := f.Lookup(breaker.Payments)
	openBreaker(t, payments)
	_, err = payments.Execute(ctx, (&counter{}).succeed)
	assert.True(t, errors.Is(err, breaker.ErrCircuitOpen))

	// A single probe at a time once the reset timeout elapsed
	clock.Advance(breaker.Preset(breaker.Payments).ResetTimeout)
	probing := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		_, err := payments.Execute(ctx, func(context.Context) (interface{}, error) {
			close(probing)
			<-release
			return "charged", nil
		})
		done <- err
	}()
	<-probing
	_, err = payments.Execute(ctx, (&counter{}).succeed)
	assert.True(t, errors.Is(err, breaker.ErrCircuitOpen))
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, breaker.Closed, payments.State())
}
