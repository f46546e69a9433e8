package cache

import (
	"context"
	"reflect"
)

// Load is a typed Get().
func Load[T any](ctx context.Context, s *Service, key string) (T, bool) {
	var v T
	ok := s.Get(ctx, key, &v)
	return v, ok
}

// GetOrSet returns the cached value for key, or calls fetch and caches its result. Errors from
// fetch are returned and never cached, nil results are returned but not cached.
func GetOrSet[T any](ctx context.Context, s *Service, key string, fetch func(context.Context) (T, error), opts ...SetOption) (T, error) {
	if v, ok := Load[T](ctx, s, key); ok {
		return v, nil
	}

	load := func() (T, error) {
		v, err := fetch(ctx)
		if err != nil {
			return v, err
		}
		if !isNil(v) {
			s.Set(ctx, key, v, opts...)
		}
		return v, nil
	}

	if !s.opts.Coalesce {
		return load()
	}

	r, err, _ := s.group.Do(key, func() (interface{}, error) {
		return load()
	})
	v, _ := r.(T)
	return v, err
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
		return rv.IsNil()
	}
	return false
}
