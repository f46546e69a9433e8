package cache

import (
	"context"
	"strings"
	"time"
)

// Manager is a view of the Service where every key lives under a namespace and every entry
// carries the namespace tag, so a whole namespace can be dropped with InvalidateAll().
type Manager struct {
	svc       *Service
	namespace string
	ttl       time.Duration
}

// NewManager returns a Manager for namespace. A ttl of zero uses the service default.
func NewManager(svc *Service, namespace string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = svc.opts.DefaultTTL
	}
	return &Manager{svc: svc, namespace: namespace, ttl: ttl}
}

// Key joins parts into a single key, IE: Key("call", id, "summary") = `call:<id>:summary`
func (m *Manager) Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// Tag is the tag every entry of this namespace is stored with.
func (m *Manager) Tag() string {
	return "ns:" + m.namespace
}

func (m *Manager) Get(ctx context.Context, key string, dst interface{}) bool {
	return m.svc.Get(ctx, m.qualify(key), dst)
}

func (m *Manager) Set(ctx context.Context, key string, value interface{}, tags ...string) bool {
	return m.svc.Set(ctx, m.qualify(key), value, m.options(tags)...)
}

func (m *Manager) Delete(ctx context.Context, key string) bool {
	return m.svc.Delete(ctx, m.qualify(key))
}

// InvalidateTag is Service.InvalidateTag(), tags are not namespaced.
func (m *Manager) InvalidateTag(ctx context.Context, tag string) int64 {
	return m.svc.InvalidateTag(ctx, tag)
}

// InvalidateAll deletes every entry in the namespace.
func (m *Manager) InvalidateAll(ctx context.Context) int64 {
	return m.svc.InvalidateTag(ctx, m.Tag())
}

func (m *Manager) qualify(key string) string {
	return m.namespace + ":" + key
}

func (m *Manager) options(tags []string) []SetOption {
	return []SetOption{WithTTL(m.ttl), WithTags(append([]string{m.Tag()}, tags...)...)}
}

// RememberIn is GetOrSet() scoped to the namespace of m.
func RememberIn[T any](ctx context.Context, m *Manager, key string, fetch func(context.Context) (T, error), tags ...string) (T, error) {
	return GetOrSet(ctx, m.svc, m.qualify(key), fetch, m.options(tags)...)
}
