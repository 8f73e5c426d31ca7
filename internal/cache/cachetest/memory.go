// Package cachetest provides an in-memory Cache for package tests.
package cachetest

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// Memory implements cache.Cache on a map. TTLs are honoured against the
// wall clock; tests needing expiry can backdate entries via SetExpiry.
type Memory struct {
	mu      sync.Mutex
	values  map[string][]byte
	expires map[string]time.Time
}

// New creates an empty in-memory cache.
func New() *Memory {
	return &Memory{
		values:  make(map[string][]byte),
		expires: make(map[string]time.Time),
	}
}

func (m *Memory) expired(key string) bool {
	exp, ok := m.expires[key]
	return ok && time.Now().After(exp)
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		delete(m.values, key)
		delete(m.expires, key)
	}
	val, ok := m.values[key]
	return val, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	if ttl > 0 {
		m.expires[key] = time.Now().Add(ttl)
	} else {
		delete(m.expires, key)
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.values, key)
		delete(m.expires, key)
	}
	return nil
}

func (m *Memory) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		delete(m.values, key)
		delete(m.expires, key)
	}
	n := int64(0)
	if val, ok := m.values[key]; ok {
		n, _ = strconv.ParseInt(string(val), 10, 64)
	}
	n++
	m.values[key] = []byte(strconv.FormatInt(n, 10))
	if n == 1 && ttl > 0 {
		m.expires[key] = time.Now().Add(ttl)
	}
	return n, nil
}

func (m *Memory) GetJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	data, ok, err := m.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	return true, json.Unmarshal(data, out)
}

func (m *Memory) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return m.Set(ctx, key, data, ttl)
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

// SetExpiry backdates or adjusts a key's expiry directly.
func (m *Memory) SetExpiry(key string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expires[key] = at
}

// Keys returns the live key set.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.values))
	for key := range m.values {
		if !m.expired(key) {
			keys = append(keys, key)
		}
	}
	return keys
}
