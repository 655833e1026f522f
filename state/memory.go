package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pulseroute/pulseroute/utils/heap"
)

// Fixed per-entry bookkeeping cost added to key+value bytes when accounting
// cache usage: struct fields, map bucket, and GC overhead.
const cacheEntryOverhead = 128

type cacheEntry struct {
	key   string
	value []byte

	// Expiry time in unix nanoseconds.
	expiry int64

	// Last read time in unix nanoseconds. Insertion counts as a read.
	lastReadAt int64

	heapIndex int
}

func (e *cacheEntry) HeapIndex() int     { return e.heapIndex }
func (e *cacheEntry) SetHeapIndex(i int) { e.heapIndex = i }

// MemoryManager keeps all state in-process. Cache entries above the size
// ceiling are evicted least-recently-used first.
type MemoryManager struct {
	// provider:model -> cooldown expiry in unix nanoseconds.
	cooldowns   map[string]int64
	cooldownsMu sync.RWMutex

	cache     map[string]*cacheEntry
	cacheHeap *heap.Heap[*cacheEntry]
	cacheMu   sync.Mutex

	cacheMaxBytes int64
	cacheUsage    int64

	// Injected clock so tests control time.
	clock clock.Clock
}

func NewMemoryManager(cacheMaxBytes int64) (*MemoryManager, func()) {
	return newMemoryManagerWithClock(cacheMaxBytes, clock.New())
}

// NewMemoryManagerWithClock is NewMemoryManager with an injected clock,
// for tests that need to control time.
func NewMemoryManagerWithClock(cacheMaxBytes int64, clk clock.Clock) (*MemoryManager, func()) {
	return newMemoryManagerWithClock(cacheMaxBytes, clk)
}

func newMemoryManagerWithClock(cacheMaxBytes int64, clk clock.Clock) (*MemoryManager, func()) {
	m := &MemoryManager{
		cooldowns:     make(map[string]int64),
		cache:         make(map[string]*cacheEntry),
		cacheMaxBytes: cacheMaxBytes,
		clock:         clk,
	}

	m.cacheHeap = heap.New(func(a, b *cacheEntry) bool {
		if a.lastReadAt != b.lastReadAt {
			return a.lastReadAt < b.lastReadAt
		}
		return a.key < b.key
	})

	stop := m.startSweep(5 * time.Minute)
	return m, stop
}

func (m *MemoryManager) Allow(ctx context.Context, provider string, model string) (bool, time.Duration, error) {
	key := cooldownKey(provider, model)
	now := m.clock.Now().UnixNano()

	m.cooldownsMu.RLock()
	defer m.cooldownsMu.RUnlock()

	if until, exists := m.cooldowns[key]; exists && until > now {
		return false, time.Duration(until - now), nil
	}
	return true, 0, nil
}

func (m *MemoryManager) Cooldown(ctx context.Context, provider string, model string, duration time.Duration) error {
	key := cooldownKey(provider, model)
	until := m.clock.Now().Add(duration).UnixNano()

	m.cooldownsMu.Lock()
	defer m.cooldownsMu.Unlock()

	m.cooldowns[key] = until
	return nil
}

func (m *MemoryManager) SaveCache(ctx context.Context, key string, value []byte, duration time.Duration) error {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	sizeToAdd := cacheSize(key, value)
	if existing, exists := m.cache[key]; exists {
		m.deleteEntry(existing)
	}

	exceeding := m.cacheUsage + sizeToAdd - m.cacheMaxBytes
	if exceeding > 0 {
		if err := m.evict(exceeding); err != nil {
			return fmt.Errorf("failed to evict cache: %v", err)
		}
	}

	now := m.clock.Now().UnixNano()
	entry := &cacheEntry{
		key:        key,
		value:      value,
		expiry:     now + duration.Nanoseconds(),
		lastReadAt: now,
		heapIndex:  -1,
	}

	m.cache[key] = entry
	m.cacheHeap.Push(entry)
	m.cacheUsage += sizeToAdd
	return nil
}

func (m *MemoryManager) LoadCache(ctx context.Context, key string) ([]byte, error) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	entry, exists := m.cache[key]
	if !exists {
		return nil, nil
	}

	now := m.clock.Now().UnixNano()
	if entry.expiry <= now {
		// An expired entry is a miss, as if the sweep had already run.
		m.deleteEntry(entry)
		return nil, nil
	}

	entry.lastReadAt = now
	m.cacheHeap.Fix(entry)
	return entry.value, nil
}

func cooldownKey(provider string, model string) string {
	return fmt.Sprintf("%s:%s", provider, model)
}

func cacheSize(key string, value []byte) int64 {
	return cacheEntryOverhead + int64(len(key)+len(value))
}

// deleteEntry removes the entry from the map, heap, and usage accounting.
// Callers hold cacheMu.
func (m *MemoryManager) deleteEntry(entry *cacheEntry) {
	delete(m.cache, entry.key)
	m.cacheHeap.Remove(entry)
	m.cacheUsage -= cacheSize(entry.key, entry.value)
}

// evict frees at least sizeInBytes, least recently used entries first.
// Callers hold cacheMu.
func (m *MemoryManager) evict(sizeInBytes int64) error {
	freed := int64(0)
	for freed < sizeInBytes {
		entry, ok := m.cacheHeap.Pop()
		if !ok {
			return fmt.Errorf("failed to free enough cache space")
		}
		delete(m.cache, entry.key)
		size := cacheSize(entry.key, entry.value)
		freed += size
		m.cacheUsage -= size
	}
	return nil
}

func (m *MemoryManager) sweep() {
	now := m.clock.Now().UnixNano()

	m.cooldownsMu.Lock()
	for key, until := range m.cooldowns {
		if until <= now {
			delete(m.cooldowns, key)
		}
	}
	m.cooldownsMu.Unlock()

	m.cacheMu.Lock()
	var expired []*cacheEntry
	for _, entry := range m.cache {
		if entry.expiry <= now {
			expired = append(expired, entry)
		}
	}
	for _, entry := range expired {
		m.deleteEntry(entry)
	}
	m.cacheMu.Unlock()
}

func (m *MemoryManager) startSweep(interval time.Duration) func() {
	ticker := m.clock.Ticker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}
