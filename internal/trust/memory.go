package trust

import (
	"context"
	"sync"
	"time"
)

// entry stores a trusted user together with the entry's expiry time.
type entry struct {
	user      string
	expiresAt time.Time
}

// MemoryStore is an in-process trust table.
//
// It is safe for concurrent use. Expired entries are treated as absent and
// removed lazily on lookup; a background goroutine additionally sweeps the
// table so addresses that never return do not accumulate.
//
// The clock is injected so expiry behaviour can be tested deterministically
// with a fake time source.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]entry

	window time.Duration
	now    func() time.Time

	done chan struct{}
}

const sweepInterval = 5 * time.Minute

// NewMemoryStore creates a MemoryStore with the given trust window and starts
// the background sweep loop. The sweep goroutine stops when ctx is cancelled
// or Close is called. A nil clock defaults to time.Now.
func NewMemoryStore(ctx context.Context, window time.Duration, clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	s := &MemoryStore{
		entries: make(map[string]entry),
		window:  window,
		now:     clock,
		done:    make(chan struct{}),
	}
	go s.sweep(ctx)
	return s
}

// Lookup returns the user trusted for addr. A hit slides the entry's expiry
// to now+window. Expired entries are removed and reported as a miss.
func (s *MemoryStore) Lookup(_ context.Context, addr string) (string, bool) {
	now := s.now()

	s.mu.RLock()
	e, ok := s.entries[addr]
	s.mu.RUnlock()

	if !ok {
		return "", false
	}

	if now.After(e.expiresAt) {
		s.mu.Lock()
		// Re-check under the write lock: a concurrent Record may have
		// refreshed the entry since the read above.
		if cur, still := s.entries[addr]; still && now.After(cur.expiresAt) {
			delete(s.entries, addr)
		}
		s.mu.Unlock()
		return "", false
	}

	s.mu.Lock()
	s.entries[addr] = entry{user: e.user, expiresAt: now.Add(s.window)}
	s.mu.Unlock()

	return e.user, true
}

// Record inserts or overwrites the entry for addr with expiry now+window.
func (s *MemoryStore) Record(_ context.Context, addr, user string) error {
	s.mu.Lock()
	s.entries[addr] = entry{user: user, expiresAt: s.now().Add(s.window)}
	s.mu.Unlock()
	return nil
}

// Len returns the number of entries currently held (including entries that
// may have expired but not yet been swept).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the background sweep goroutine.
func (s *MemoryStore) Close() error {
	close(s.done)
	return nil
}

// sweep runs periodically and evicts all expired entries.
func (s *MemoryStore) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) evictExpired() {
	now := s.now()

	s.mu.Lock()
	for addr, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, addr)
		}
	}
	s.mu.Unlock()
}
