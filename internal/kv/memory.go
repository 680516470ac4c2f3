package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultMaxEntries caps the fallback store when no explicit limit is given.
const DefaultMaxEntries = 10000

// Memory is the process-local fallback store used while the remote store is
// unreachable. It is a bounded map with per-entry expiry: entries past their
// deadline are dropped lazily on read and swept periodically, and when the
// cap is exceeded the entries closest to expiry are evicted first.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	maxEntries int

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemory creates a fallback store holding at most maxEntries entries.
// A non-positive maxEntries uses DefaultMaxEntries.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Memory{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the value for key, treating expired entries as absent.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if m.expired(e) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores value under key, evicting soonest-to-expire entries if the
// store is over capacity afterwards.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: expiresAt}

	if len(m.entries) > m.maxEntries {
		m.evictLocked()
	}
	return nil
}

// Delete removes the given keys, returning how many were present.
func (m *Memory) Delete(_ context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for _, k := range keys {
		if e, ok := m.entries[k]; ok {
			if !m.expired(e) {
				deleted++
			}
			delete(m.entries, k)
		}
	}
	return deleted, nil
}

// Exists reports whether key is present and unexpired.
func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

// Scan returns keys matching the glob-style pattern, where '*' stands for
// any run of characters.
func (m *Memory) Scan(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k, e := range m.entries {
		if m.expired(e) {
			continue
		}
		if matchPattern(pattern, k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Expire resets the TTL of an existing key.
func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || m.expired(e) {
		return false, nil
	}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	m.entries[key] = e
	return true, nil
}

// Eval is not supported by the in-memory backend.
func (m *Memory) Eval(_ context.Context, _ string, _ []string, _ ...interface{}) (interface{}, error) {
	return nil, ErrNotSupported
}

// Len returns the current number of entries, expired ones included until
// the next sweep touches them.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// StartSweeper launches a background goroutine that purges expired entries
// every interval, independent of read-triggered checks. Call Stop to halt it.
func (m *Memory) StartSweeper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	m.sweepCancel = cancel
	m.sweepDone = make(chan struct{})

	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Stop halts the background sweeper, waiting for it to exit.
func (m *Memory) Stop() {
	if m.sweepCancel != nil {
		m.sweepCancel()
		<-m.sweepDone
		m.sweepCancel = nil
	}
}

// Sweep removes all expired entries immediately.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, e := range m.entries {
		if m.expired(e) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

func (m *Memory) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt)
}

// evictLocked drops expired entries first, then the entries closest to
// expiry, until the store is back under its cap. Entries without expiry are
// ordered last so they survive longest.
func (m *Memory) evictLocked() {
	for k, e := range m.entries {
		if m.expired(e) {
			delete(m.entries, k)
		}
	}
	if len(m.entries) <= m.maxEntries {
		return
	}

	type candidate struct {
		key       string
		expiresAt time.Time
	}
	candidates := make([]candidate, 0, len(m.entries))
	for k, e := range m.entries {
		candidates = append(candidates, candidate{key: k, expiresAt: e.expiresAt})
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].expiresAt, candidates[j].expiresAt
		if a.IsZero() {
			return false
		}
		if b.IsZero() {
			return true
		}
		return a.Before(b)
	})
	for _, c := range candidates {
		if len(m.entries) <= m.maxEntries {
			break
		}
		delete(m.entries, c.key)
	}
}

// matchPattern matches glob patterns where '*' stands for any run of
// characters. This covers the exact keys and "prefix:*" wildcards the cache
// layer emits for namespace invalidation.
func matchPattern(pattern, key string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == key
	}
	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	rest := key[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	return strings.HasSuffix(rest, last)
}
