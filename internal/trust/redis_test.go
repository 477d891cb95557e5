package trust

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// newTestRedisStore starts a miniredis server and returns a RedisStore backed
// by it. The server and store are cleaned up with the test.
func newTestRedisStore(t *testing.T, window time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	s, err := NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr(), window)
	if err != nil {
		t.Fatalf("NewRedisStoreFromURL: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestRedisStore_RecordAndLookup(t *testing.T) {
	s, _ := newTestRedisStore(t, time.Hour)
	ctx := context.Background()

	if err := s.Record(ctx, "10.0.0.1", "alice"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	user, ok := s.Lookup(ctx, "10.0.0.1")
	if !ok {
		t.Fatal("expected a trust hit")
	}
	if user != "alice" {
		t.Errorf("expected alice, got %q", user)
	}

	if _, ok := s.Lookup(ctx, "10.0.0.2"); ok {
		t.Error("unknown address must miss")
	}
}

func TestRedisStore_EntryExpires(t *testing.T) {
	s, mr := newTestRedisStore(t, time.Minute)
	ctx := context.Background()

	if err := s.Record(ctx, "10.0.0.1", "alice"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	mr.FastForward(time.Minute + time.Second)

	if _, ok := s.Lookup(ctx, "10.0.0.1"); ok {
		t.Error("entry must expire after the trust window")
	}
}

func TestRedisStore_LookupRefreshesTTL(t *testing.T) {
	s, mr := newTestRedisStore(t, time.Minute)
	ctx := context.Background()

	if err := s.Record(ctx, "10.0.0.1", "alice"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// Two hits just inside the window keep the entry alive past the point
	// where the original TTL would have run out.
	mr.FastForward(50 * time.Second)
	if _, ok := s.Lookup(ctx, "10.0.0.1"); !ok {
		t.Fatal("expected hit inside the window")
	}

	mr.FastForward(50 * time.Second)
	user, ok := s.Lookup(ctx, "10.0.0.1")
	if !ok {
		t.Fatal("expected hit — previous lookup refreshed the TTL")
	}
	if user != "alice" {
		t.Errorf("expected alice, got %q", user)
	}
}

func TestRedisStore_RecordOverwrites(t *testing.T) {
	s, _ := newTestRedisStore(t, time.Hour)
	ctx := context.Background()

	s.Record(ctx, "10.0.0.1", "alice") //nolint:errcheck
	s.Record(ctx, "10.0.0.1", "bob")   //nolint:errcheck

	user, ok := s.Lookup(ctx, "10.0.0.1")
	if !ok || user != "bob" {
		t.Errorf("expected bob after overwrite, got %q (hit=%v)", user, ok)
	}
}

func TestRedisStore_UnreachableServerIsAMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("NewRedisStoreFromURL: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Record(context.Background(), "10.0.0.1", "alice"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	mr.Close()

	// Degrade, don't fail: the caller falls back to credential validation.
	if _, ok := s.Lookup(context.Background(), "10.0.0.1"); ok {
		t.Error("lookup against a dead server must report a miss")
	}
	if err := s.Record(context.Background(), "10.0.0.2", "bob"); err == nil {
		t.Error("record against a dead server must surface the error")
	}
}

func TestRedisStore_BadURL(t *testing.T) {
	if _, err := NewRedisStoreFromURL(context.Background(), "not-a-url", time.Hour); err == nil {
		t.Error("expected an error for a malformed URL")
	}
}
