package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// syncBuffer is a goroutine-safe bytes.Buffer for capturing slog output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(t *testing.T) (*Logger, *syncBuffer) {
	t.Helper()
	buf := &syncBuffer{}
	slogger := slog.New(slog.NewJSONHandler(buf, nil))

	l, err := New(context.Background(), slogger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, buf
}

func TestLogger_FlushesOnClose(t *testing.T) {
	l, buf := newTestLogger(t)

	id := uuid.New()
	l.Log(RequestLog{
		ID:        id,
		Method:    "POST",
		Path:      "/api/generate",
		User:      "alice",
		Source:    "header(x-api-key)",
		Status:    200,
		LatencyMs: 120,
		CreatedAt: time.Now(),
	})

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, id.String()) {
		t.Errorf("flushed output missing the request id: %s", out)
	}
	if !strings.Contains(out, `"user":"alice"`) {
		t.Errorf("flushed output missing the user: %s", out)
	}
}

func TestLogger_FlushesOnInterval(t *testing.T) {
	l, buf := newTestLogger(t)
	defer l.Close()

	l.Log(RequestLog{ID: uuid.New(), Method: "GET", Path: "/api/tags", Status: 200})

	deadline := time.After(3 * flushInterval)
	for {
		if strings.Contains(buf.String(), "/api/tags") {
			return
		}
		select {
		case <-deadline:
			t.Fatal("entry not flushed within the flush interval")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestLogger_NeverLogsCredentials(t *testing.T) {
	l, buf := newTestLogger(t)

	l.Log(RequestLog{
		ID:     uuid.New(),
		Method: "POST",
		Path:   "/api/chat",
		User:   "bob",
		Source: "body(api_key)",
		Status: 200,
	})
	l.Close() //nolint:errcheck

	// The entry names where the key came from, never the key itself.
	var entry map[string]any
	line := strings.TrimSpace(buf.String())
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("access line is not JSON: %v (%q)", err, line)
	}
	if entry["source"] != "body(api_key)" {
		t.Errorf("source: got %v", entry["source"])
	}
	if _, present := entry["api_key"]; present {
		t.Error("access log must not carry an api_key field")
	}
}

func TestLogger_DropsWhenFull(t *testing.T) {
	// A logger whose flush goroutine has already exited accumulates entries
	// in the channel buffer; overflow must drop, not block.
	l, _ := newTestLogger(t)
	l.Close() //nolint:errcheck

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < channelBuffer+10; i++ {
			l.Log(RequestLog{ID: uuid.New(), Status: 200})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Log blocked on a full buffer")
	}

	if l.DroppedLogs() == 0 {
		t.Error("expected dropped entries to be counted")
	}
}

func TestLogger_NilContext(t *testing.T) {
	if _, err := New(nil, nil); err == nil { //nolint:staticcheck
		t.Error("expected an error for a nil context")
	}
}
