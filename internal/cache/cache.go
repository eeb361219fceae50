// SPDX-License-Identifier: MIT

// Package cache provides the metadata cache used on the indexer path: an
// in-process store with TTL eviction, or a Redis backend when configured.
// Values are opaque byte payloads; callers own the encoding.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rivenmedia/riven/internal/clock"
)

// Cache is the metadata cache contract. Implementations are safe for
// concurrent use; a miss is (nil, false), never an error.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
	Clear()
	Stats() Stats
	Close() error
}

// Stats counts cache traffic.
type Stats struct {
	Hits        int64
	Misses      int64
	Sets        int64
	Evictions   int64
	CurrentSize int
}

type counters struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	evictions atomic.Int64
}

// defaultMaxEntries bounds the in-memory cache.
const defaultMaxEntries = 4096

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is the in-process cache. Expired entries are dropped lazily on Get;
// when full, the entry closest to expiry is evicted.
type Memory struct {
	clock clock.Clock
	max   int

	mu      sync.Mutex
	entries map[string]memoryEntry
	stats   counters
}

// NewMemory creates an in-process cache. A nil clk uses the system clock;
// maxEntries <= 0 uses the default bound.
func NewMemory(clk clock.Clock, maxEntries int) *Memory {
	if clk == nil {
		clk = clock.System{}
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Memory{
		clock:   clk,
		max:     maxEntries,
		entries: make(map[string]memoryEntry),
	}
}

func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		m.stats.misses.Add(1)
		return nil, false
	}
	if !e.expiresAt.After(m.clock.Now()) {
		delete(m.entries, key)
		m.stats.misses.Add(1)
		m.stats.evictions.Add(1)
		return nil, false
	}
	m.stats.hits.Add(1)
	return e.value, true
}

func (m *Memory) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.max {
		m.evictLocked()
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: m.clock.Now().Add(ttl)}
	m.stats.sets.Add(1)
}

// evictLocked drops the entry closest to expiry.
func (m *Memory) evictLocked() {
	var (
		victim string
		oldest time.Time
	)
	for k, e := range m.entries {
		if victim == "" || e.expiresAt.Before(oldest) {
			victim = k
			oldest = e.expiresAt
		}
	}
	if victim != "" {
		delete(m.entries, victim)
		m.stats.evictions.Add(1)
	}
}

func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memoryEntry)
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	size := len(m.entries)
	m.mu.Unlock()
	return Stats{
		Hits:        m.stats.hits.Load(),
		Misses:      m.stats.misses.Load(),
		Sets:        m.stats.sets.Load(),
		Evictions:   m.stats.evictions.Load(),
		CurrentSize: size,
	}
}

func (m *Memory) Close() error { return nil }
