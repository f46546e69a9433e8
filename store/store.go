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

package store

// SHARED STORE DETAILS

// The Store interface is the only contract the rate limiter, the cache and the circuit breakers have
// with the shared key-value store. Simple commands get their own method, anything that must be sent
// as a batch (sorted set maintenance, tag indexes, counters next to a snapshot) goes through
// Pipelined() or TxPipelined() with a go-redis Pipeliner. Implementations must report every failure
// other than a cache miss as an *UnavailableError so callers can degrade instead of failing.

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned by Get() when the key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrUnavailable matches every error caused by the store being unreachable or misbehaving.
	ErrUnavailable = errors.New("shared store unavailable")

	// ErrDisabled is returned by the NullStore. It also matches ErrUnavailable.
	ErrDisabled = errors.New("shared store not configured")
)

type Store interface {
	// Get returns the string value of key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key. A ttl of zero means the key never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes the keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	Incr(ctx context.Context, key string) (int64, error)
	Exists(ctx context.Context, keys ...string) (int64, error)

	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error

	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Keys returns every key matching the glob pattern. Implementations should iterate
	// instead of blocking the store on a single KEYS call.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Pipelined sends every command queued by fn in a single round trip.
	Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) error

	// TxPipelined is like Pipelined() but wraps the commands in MULTI/EXEC so they
	// are applied atomically.
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) error

	Ping(ctx context.Context) error
	Close() error
}

// UnavailableError wraps any failure talking to the shared store.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store %s: %s", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// IsDisabled reports if err was caused by the store not being configured at all.
func IsDisabled(err error) bool {
	return errors.Is(err, ErrDisabled)
}

var _ Store = &NullStore{}

// NullStore is used when no shared store is configured. Every call fails with ErrDisabled
// which sends the rate limiter into fail open, the cache into pass through and the
// circuit breakers into in-memory only mode.
type NullStore struct{}

func disabled(op string) error {
	return &UnavailableError{Op: op, Err: ErrDisabled}
}

func (NullStore) Get(context.Context, string) (string, error) {
	return "", disabled("get")
}

func (NullStore) Set(context.Context, string, string, time.Duration) error {
	return disabled("set")
}

func (NullStore) Del(context.Context, ...string) (int64, error) {
	return 0, disabled("del")
}

func (NullStore) Incr(context.Context, string) (int64, error) {
	return 0, disabled("incr")
}

func (NullStore) Exists(context.Context, ...string) (int64, error) {
	return 0, disabled("exists")
}

func (NullStore) SMembers(context.Context, string) ([]string, error) {
	return nil, disabled("smembers")
}

func (NullStore) SRem(context.Context, string, ...string) error {
	return disabled("srem")
}

func (NullStore) HIncrBy(context.Context, string, string, int64) (int64, error) {
	return 0, disabled("hincrby")
}

func (NullStore) HGetAll(context.Context, string) (map[string]string, error) {
	return nil, disabled("hgetall")
}

func (NullStore) Keys(context.Context, string) ([]string, error) {
	return nil, disabled("keys")
}

func (NullStore) Pipelined(context.Context, func(redis.Pipeliner) error) error {
	return disabled("pipeline")
}

func (NullStore) TxPipelined(context.Context, func(redis.Pipeliner) error) error {
	return disabled("multi")
}

func (NullStore) Ping(context.Context) error {
	return disabled("ping")
}

func (NullStore) Close() error {
	return nil
}
