// Package trust implements the per-client-IP trust window.
//
// A client address that authenticates successfully is recorded as trusted for
// a fixed window (default 1 hour). The window slides: every trust hit and
// every fresh authentication resets the expiry to now+window, so an active
// client never has to resend its credential.
//
// Two backends are available:
//   - MemoryStore — in-process table, zero external dependencies.
//   - RedisStore  — Redis-backed table using native key TTLs.
//
// Both implement the Store interface so they are fully interchangeable.
package trust

import "context"

// Store maps client addresses to authenticated users for the duration of the
// trust window. At most one entry exists per address; concurrent writes are
// last-writer-wins.
type Store interface {
	// Lookup returns the user trusted for addr, if the entry has not expired.
	// A hit extends the entry's expiry by the full window (sliding window).
	Lookup(ctx context.Context, addr string) (user string, ok bool)

	// Record inserts or overwrites the entry for addr with expiry now+window.
	Record(ctx context.Context, addr, user string) error

	// Close releases backend resources. Safe to call once.
	Close() error
}
