package apiclient

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// CacheState is the result classification of a cache lookup.
type CacheState int

const (
	// CacheMiss means no usable entry exists; the caller must dispatch.
	CacheMiss CacheState = iota

	// CacheFresh means the entry is within its staleness window.
	CacheFresh

	// CacheStale means the entry is past StaleAfter but within TTL. It may be
	// served immediately while a background refresh runs.
	CacheStale
)

// String returns the string representation of the cache state.
func (s CacheState) String() string {
	switch s {
	case CacheMiss:
		return "miss"
	case CacheFresh:
		return "fresh"
	case CacheStale:
		return "stale"
	default:
		return "unknown"
	}
}

type cacheEntry struct {
	value      *Response
	storedAt   time.Time
	ttl        time.Duration
	staleAfter time.Duration
	tags       map[string]struct{}
}

// CacheStore is a read-through response cache keyed by method and canonical
// URL. Entries age from fresh to stale to expired; tags allow mutations to
// invalidate groups of related reads. Safe for concurrent use.
type CacheStore struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

// NewCacheStore creates an empty cache store.
func NewCacheStore() *CacheStore {
	return &CacheStore{
		entries: make(map[string]*cacheEntry),
	}
}

// CacheKey builds the canonical cache key for a request. Query parameters are
// sorted so that logically identical URLs share one entry.
func CacheKey(method, rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return method + " " + rawURL
	}
	if u.RawQuery != "" {
		params := u.Query()
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		for _, k := range keys {
			values := params[k]
			sort.Strings(values)
			for _, v := range values {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}
	return method + " " + u.String()
}

// Get looks up key and classifies the entry's age: younger than StaleAfter is
// fresh, younger than TTL is stale, anything older is a miss. Expired entries
// are dropped lazily.
func (s *CacheStore) Get(key string) (*Response, CacheState) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, CacheMiss
	}

	age := time.Since(entry.storedAt)
	switch {
	case age < entry.staleAfter:
		return entry.value, CacheFresh
	case age < entry.ttl:
		return entry.value, CacheStale
	default:
		s.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have replaced it.
		if current, ok := s.entries[key]; ok && current == entry {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, CacheMiss
	}
}

// Set stores value under key, overwriting any previous entry. StaleAfter is
// clamped to TTL so an entry can never be stale longer than it is servable.
func (s *CacheStore) Set(key string, value *Response, cfg CacheConfig) {
	if cfg.TTL <= 0 {
		return
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 || staleAfter > cfg.TTL {
		staleAfter = cfg.TTL
	}

	var tags map[string]struct{}
	if len(cfg.Tags) > 0 {
		tags = make(map[string]struct{}, len(cfg.Tags))
		for _, tag := range cfg.Tags {
			tags[tag] = struct{}{}
		}
	}

	s.mu.Lock()
	s.entries[key] = &cacheEntry{
		value:      value,
		storedAt:   time.Now(),
		ttl:        cfg.TTL,
		staleAfter: staleAfter,
		tags:       tags,
	}
	s.mu.Unlock()
}

// Invalidate removes the entry for key, if present.
func (s *CacheStore) Invalidate(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// InvalidateTag removes every entry labeled with tag. Idempotent: repeated
// calls, or calls for a tag nothing carries, are no-ops.
func (s *CacheStore) InvalidateTag(tag string) {
	s.mu.Lock()
	for key, entry := range s.entries {
		if _, ok := entry.tags[tag]; ok {
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()
}

// Clear removes all entries.
func (s *CacheStore) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]*cacheEntry)
	s.mu.Unlock()
}

// Len returns the number of entries currently stored, expired or not.
func (s *CacheStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
