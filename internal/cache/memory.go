package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/epi"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/logging"
)

const DefaultMaxItems = 1000

// memoryEntry keeps the serialized document so cached values are isolated
// from later mutation by callers.
type memoryEntry struct {
	data      []byte
	expiresAt time.Time
	sizeBytes int
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is the in-process LRU+TTL back-end. The LRU keeps recency; TTL is
// checked lazily on read and expired entries are dropped during the prefix
// scan. A full store evicts its LRU victim before a new insert.
type Memory struct {
	schemaVersion string
	entries       *lru.Cache[string, *memoryEntry]
	counters      counters
	logger        logging.Logger
}

// NewMemory creates a memory back-end holding at most maxItems entries.
func NewMemory(schemaVersion string, maxItems int, logger logging.Logger) (*Memory, error) {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	entries, err := lru.New[string, *memoryEntry](maxItems)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Memory{
		schemaVersion: schemaVersion,
		entries:       entries,
		logger:        logging.OrNop(logger),
	}, nil
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Get(_ context.Context, fingerprint string, steps []epi.Step) (epi.Document, int, error) {
	now := time.Now()
	for k := len(steps); k >= 1; k-- {
		key := epi.CacheKey(m.schemaVersion, fingerprint, steps[:k])
		entry, ok := m.entries.Get(key) // touches recency on hit
		if !ok {
			continue
		}
		if entry.expired(now) {
			m.entries.Remove(key)
			continue
		}
		var doc epi.Document
		if err := json.Unmarshal(entry.data, &doc); err != nil {
			m.counters.errors.Add(1)
			m.entries.Remove(key)
			continue
		}
		m.counters.hit(k, len(steps))
		return doc, k, nil
	}
	m.counters.misses.Add(1)
	return nil, 0, nil
}

func (m *Memory) Set(_ context.Context, fingerprint string, steps []epi.Step, value epi.Document, ttl time.Duration) error {
	if len(steps) == 0 {
		return fmt.Errorf("refusing to cache an empty pipeline prefix")
	}
	data, err := json.Marshal(value)
	if err != nil {
		m.counters.errors.Add(1)
		return fmt.Errorf("serialize cache entry: %w", err)
	}
	entry := &memoryEntry{data: data, sizeBytes: len(data)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	key := epi.CacheKey(m.schemaVersion, fingerprint, steps)
	// Add evicts the LRU victim itself when the store is at capacity.
	m.entries.Add(key, entry)
	m.counters.sets.Add(1)
	return nil
}

func (m *Memory) InvalidateByEpi(_ context.Context, fingerprint string) error {
	prefix := m.schemaVersion + ":" + fingerprint + ":"
	removed := 0
	for _, key := range m.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			m.entries.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("invalidated %d cached prefixes for fingerprint %s", removed, fingerprint)
	}
	return nil
}

func (m *Memory) Stats() Stats { return m.counters.snapshot() }

func (m *Memory) Clear(context.Context) error {
	m.entries.Purge()
	return nil
}

// Len reports the current number of live entries.
func (m *Memory) Len() int { return m.entries.Len() }
