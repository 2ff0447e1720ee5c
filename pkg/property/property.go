// Package property provides the device property map.
//
// A Store holds typed values under string keys. Every Set notifies the
// subscribers of that key, and the subscribers of all keys, in
// registration order. Notification runs after the store lock is released,
// so subscribers may read and write the store themselves.
package property

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fmq-go/fmq/internal/callbacks"
)

// Property errors.
var (
	ErrNotFound     = errors.New("property not found")
	ErrTypeMismatch = errors.New("property has a different type")
)

// ChangeFunc observes a property change.
type ChangeFunc func(key string, value any)

// Handle identifies a subscription.
type Handle = callbacks.Handle

type subscription struct {
	key string
	fn  ChangeFunc
}

// Store is a concurrency-safe property map. The zero value is ready to use.
type Store struct {
	mu     sync.RWMutex
	values map[string]any
	subs   callbacks.Arena[subscription]
}

// NewStore creates a store holding initial.
func NewStore(initial map[string]any) *Store {
	s := &Store{values: make(map[string]any, len(initial))}
	maps.Copy(s.values, initial)
	return s
}

// Set stores value under key and notifies subscribers.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	if s.values == nil {
		s.values = make(map[string]any)
	}
	s.values[key] = value
	s.mu.Unlock()

	s.notify(key, value)
}

// SetProperties stores every entry of props, then notifies subscribers once
// per key in key order.
func (s *Store) SetProperties(props map[string]any) {
	keys := make([]string, 0, len(props))
	s.mu.Lock()
	if s.values == nil {
		s.values = make(map[string]any, len(props))
	}
	for k, v := range props {
		s.values[k] = v
		keys = append(keys, k)
	}
	s.mu.Unlock()

	sort.Strings(keys)
	for _, k := range keys {
		s.notify(k, props[k])
	}
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Has reports whether key is set.
func (s *Store) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Delete removes key. Subscribers are not notified.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	delete(s.values, key)
	return ok
}

// Keys returns the keys starting with prefix, sorted.
func (s *Store) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of all properties.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

// Subscribe registers fn for changes of key. An empty key subscribes to
// every change.
func (s *Store) Subscribe(key string, fn ChangeFunc) Handle {
	return s.subs.Add(subscription{key: key, fn: fn})
}

// Unsubscribe removes a subscription. It is safe to call from inside a
// subscriber.
func (s *Store) Unsubscribe(h Handle) bool {
	return s.subs.Remove(h)
}

func (s *Store) notify(key string, value any) {
	s.subs.Each(func(sub subscription) {
		if sub.key == "" || sub.key == key {
			sub.fn(key, value)
		}
	})
}

// GetAs returns the value under key as a T.
func GetAs[T any](s *Store, key string) (T, error) {
	var zero T
	v, ok := s.Get(key)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T, not %T", ErrTypeMismatch, key, v, zero)
	}
	return t, nil
}

// GetOrDefault returns the value under key as a T, or def if it is unset
// or of another type.
func GetOrDefault[T any](s *Store, key string, def T) T {
	v, err := GetAs[T](s, key)
	if err != nil {
		return def
	}
	return v
}

// GetString returns a string property. Non-string values are formatted.
func (s *Store) GetString(key string) (string, error) {
	v, ok := s.Get(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if str, ok := v.(string); ok {
		return str, nil
	}
	return fmt.Sprint(v), nil
}

// GetAsString returns the value under key formatted as a string, or "" if
// it is unset.
func (s *Store) GetAsString(key string) string {
	str, _ := s.GetString(key)
	return str
}

// GetBool returns a boolean property. Strings such as "true" or "1" and
// numbers are converted.
func (s *Store) GetBool(key string) (bool, error) {
	v, ok := s.Get(key)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, fmt.Errorf("%w: %s: %w", ErrTypeMismatch, key, err)
		}
		return parsed, nil
	}
	n, err := toInt64(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrTypeMismatch, key, err)
	}
	return n != 0, nil
}

// GetInt returns an integer property. Other numeric types and numeric
// strings are converted.
func (s *Store) GetInt(key string) (int, error) {
	n, err := s.GetInt64(key)
	return int(n), err
}

// GetInt64 returns an integer property as int64.
func (s *Store) GetInt64(key string) (int64, error) {
	v, ok := s.Get(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrTypeMismatch, key, err)
	}
	return n, nil
}

// GetUint64 returns a non-negative integer property.
func (s *Store) GetUint64(key string) (uint64, error) {
	v, ok := s.Get(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if u, ok := v.(uint64); ok {
		return u, nil
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrTypeMismatch, key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %s is negative", ErrTypeMismatch, key)
	}
	return uint64(n), nil
}

// GetFloat returns a floating-point property.
func (s *Store) GetFloat(key string) (float64, error) {
	v, ok := s.Get(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	switch f := v.(type) {
	case float64:
		return f, nil
	case float32:
		return float64(f), nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrTypeMismatch, key, err)
		}
		return parsed, nil
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrTypeMismatch, key, err)
	}
	return float64(n), nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 0, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", v)
	}
}
