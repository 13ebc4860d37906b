package capability

import (
	"sync"
	"time"

	"github.com/talosprotocol/talos/model"
)

type sessionEntry struct {
	cap       *model.Capability
	expiresAt int64
}

// sessionCache maps pre-validated session ids to the capability they were
// validated against. It is the hottest structure on the fast path and is
// read-dominant: lookups take only the shared read lock, so concurrent
// readers never contend. Insertions evict expired entries first and fall
// back to FIFO when the cache is full.
type sessionCache struct {
	mu      sync.RWMutex
	entries map[string]sessionEntry
	order   []string
	maxSize int
}

func newSessionCache(maxSize int) *sessionCache {
	if maxSize <= 0 {
		maxSize = model.DefaultSessionCacheSize
	}
	return &sessionCache{
		entries: make(map[string]sessionEntry, maxSize),
		maxSize: maxSize,
	}
}

// get returns the entry for a session id. The caller checks expiry: keeping
// the read path free of writes is what keeps it contention-free.
func (sc *sessionCache) get(sessionID string) (sessionEntry, bool) {
	sc.mu.RLock()
	entry, ok := sc.entries[sessionID]
	sc.mu.RUnlock()
	return entry, ok
}

func (sc *sessionCache) put(sessionID string, cap *model.Capability) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if _, exists := sc.entries[sessionID]; !exists && len(sc.entries) >= sc.maxSize {
		sc.evictLocked()
	}
	if _, exists := sc.entries[sessionID]; !exists {
		sc.order = append(sc.order, sessionID)
	}
	sc.entries[sessionID] = sessionEntry{cap: cap, expiresAt: cap.ExpiresAt}
}

// evictLocked drops expired entries; if none are expired it drops the oldest
// insertion.
func (sc *sessionCache) evictLocked() {
	now := time.Now().Unix()
	kept := sc.order[:0]
	for _, id := range sc.order {
		entry, ok := sc.entries[id]
		if !ok {
			continue
		}
		if entry.expiresAt < now {
			delete(sc.entries, id)
			continue
		}
		kept = append(kept, id)
	}
	sc.order = kept

	if len(sc.entries) >= sc.maxSize && len(sc.order) > 0 {
		oldest := sc.order[0]
		sc.order = sc.order[1:]
		delete(sc.entries, oldest)
	}
}

func (sc *sessionCache) remove(sessionID string) {
	sc.mu.Lock()
	delete(sc.entries, sessionID)
	sc.mu.Unlock()
}

func (sc *sessionCache) len() int {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return len(sc.entries)
}
