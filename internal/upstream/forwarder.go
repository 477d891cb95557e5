// Package upstream implements the HTTP relay to the Ollama backend.
//
// The Forwarder is protocol-agnostic: it forwards the method, sanitized
// headers, and raw body bytes verbatim and never interprets the payload. It
// supports two modes selected by the caller:
//
//   - Buffered — one backend call, full response returned as status, headers,
//     and body.
//   - Streamed — the backend response body is relayed chunk by chunk, in
//     arrival order, without buffering. Mid-stream failures surface as a
//     single terminal JSON error chunk, since the 200 status is already on
//     the wire by then.
//
// Both modes carry a hard timeout ceiling (default 600s). Timeouts and
// transport failures are typed so the caller can map them to 504 vs 500.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// streamBufSize is the read buffer for the chunk relay loop.
	streamBufSize = 32 * 1024

	// chunkBacklog bounds how far the backend read can run ahead of the client.
	chunkBacklog = 8
)

// Terminal states of a streamed relay, reported by Outcome.StreamResult.
const (
	StreamSuccess  = "success"
	StreamTimeout  = "timeout"
	StreamError    = "error"
	StreamCanceled = "canceled"
)

// Request describes one call to be relayed to the backend.
type Request struct {
	// ID is the correlation id assigned by the orchestrator, used in logs.
	ID string

	// Method is the inbound HTTP method, forwarded unchanged.
	Method string

	// Path is the inbound request path, appended to the backend base URL.
	Path string

	// RawQuery is the query string to forward (already credential-free).
	RawQuery string

	// Header is the sanitized header set, forwarded as-is.
	Header http.Header

	// Body is the raw (or credential-stripped) request body.
	Body []byte

	// Stream selects the streamed relay mode.
	Stream bool
}

// Outcome is the result of a forward: either a complete buffered response
// (Status, Header, Body) or a live chunk sequence (Chunks) terminated by
// close of the channel.
type Outcome struct {
	// Status is the backend status code. For streamed outcomes it reflects the
	// initial backend status, but the relayed response is always written 200.
	Status int

	// Header and Body are set in buffered mode only.
	Header http.Header
	Body   []byte

	// Chunks is set in streamed mode only. Backend chunks arrive in receipt
	// order; an error mid-stream is folded in as one final JSON chunk. The
	// channel is closed when the stream ends for any reason.
	Chunks <-chan []byte

	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once

	// result is set by the relay goroutine before Chunks closes.
	result atomic.Value
}

// Streaming reports whether the outcome carries a live chunk sequence.
func (o *Outcome) Streaming() bool { return o.Chunks != nil }

// StreamResult reports how a streamed relay ended: StreamSuccess,
// StreamTimeout, StreamError, or StreamCanceled. Valid once Chunks is closed;
// a consumer that abandons the stream early sees StreamCanceled.
func (o *Outcome) StreamResult() string {
	if v, ok := o.result.Load().(string); ok {
		return v
	}
	return StreamCanceled
}

// Close abandons the in-flight backend call. It must be called once the
// consumer stops draining Chunks (e.g. on client disconnect) so the backend
// connection is not leaked. Safe to call on buffered outcomes and repeatedly.
func (o *Outcome) Close() {
	if o.closed != nil {
		o.closeOnce.Do(func() { close(o.closed) })
	}
	if o.cancel != nil {
		o.cancel()
	}
}

// Error is a typed transport failure from the backend call.
type Error struct {
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("upstream: request timed out: %v", e.Err)
	}
	return fmt.Sprintf("upstream: request failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTimeout reports whether err represents an exceeded backend deadline.
func IsTimeout(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Timeout
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Forwarder relays requests to a single backend base URL.
type Forwarder struct {
	base          *url.URL
	client        *http.Client
	timeout       time.Duration
	healthTimeout time.Duration
	log           *slog.Logger
}

// New creates a Forwarder for the given backend base URL. timeout is the hard
// per-call ceiling; healthTimeout bounds Ping. A nil logger defaults to
// slog.Default.
func New(baseURL string, timeout, healthTimeout time.Duration, log *slog.Logger) (*Forwarder, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream: base url %q must be absolute", baseURL)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Forwarder{
		base: base,
		// No Client.Timeout — it would kill streamed bodies mid-read. The
		// per-request context carries the ceiling instead.
		client:        &http.Client{},
		timeout:       timeout,
		healthTimeout: healthTimeout,
		log:           log,
	}, nil
}

// Forward performs the backend call. In buffered mode the returned Outcome is
// complete; in streamed mode its Chunks channel is live and the caller must
// drain it (or Close the outcome). Transport failures before any response is
// received are returned as *Error.
func (f *Forwarder) Forward(ctx context.Context, req *Request) (*Outcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)

	target := f.targetURL(req.Path, req.RawQuery)
	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, target, readerFor(req.Body))
	if err != nil {
		cancel()
		return nil, &Error{Err: err}
	}
	httpReq.Header = req.Header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = make(http.Header)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, classify(err)
	}

	if !req.Stream {
		defer cancel()
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, classify(err)
		}
		return &Outcome{
			Status: resp.StatusCode,
			Header: resp.Header.Clone(),
			Body:   body,
		}, nil
	}

	ch := make(chan []byte, chunkBacklog)
	out := &Outcome{
		Status: resp.StatusCode,
		Chunks: ch,
		cancel: cancel,
		closed: make(chan struct{}),
	}
	go f.relay(callCtx, resp, req.ID, ch, out)

	return out, nil
}

// relay reads the backend response body and pushes chunks to ch in receipt
// order. The deferred cleanup always runs — stream duration is logged whether
// the stream ended in success, a backend error, or a transport failure.
func (f *Forwarder) relay(ctx context.Context, resp *http.Response, id string, ch chan<- []byte, out *Outcome) {
	start := time.Now()
	result := StreamSuccess
	defer func() {
		out.result.Store(result)
		close(ch)
		resp.Body.Close()
		out.cancel()
		f.log.Info("stream_done",
			slog.String("request_id", id),
			slog.String("result", result),
			slog.String("elapsed", fmt.Sprintf("%.2fs", time.Since(start).Seconds())),
		)
	}()

	// A non-200 backend status terminates the stream after relaying the whole
	// error payload as a single chunk.
	if resp.StatusCode != http.StatusOK {
		result = StreamError
		payload, _ := io.ReadAll(resp.Body)
		f.log.Error("upstream_stream_status",
			slog.String("request_id", id),
			slog.Int("status", resp.StatusCode),
		)
		if len(payload) > 0 {
			f.send(out.closed, ch, payload)
		}
		return
	}

	buf := make([]byte, streamBufSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !f.send(out.closed, ch, chunk) {
				result = StreamCanceled
				return
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			// The 200 is already on the wire; surface the timeout as a
			// terminal JSON chunk instead of a status change.
			result = StreamTimeout
			f.send(out.closed, ch, errChunk("upstream request timed out"))
		case ctx.Err() != nil:
			// Client disconnected — nothing left to tell it.
			result = StreamCanceled
		default:
			result = StreamError
			f.log.Error("stream_read_error",
				slog.String("request_id", id),
				slog.String("error", err.Error()),
			)
			f.send(out.closed, ch, errChunk(fmt.Sprintf("stream relay failed: %s", err)))
		}
		return
	}
}

// send delivers one chunk unless the consumer has abandoned the stream
// (Outcome.Close). The gate must be consumer departure, not the call context:
// the terminal error chunk is sent after the deadline has already expired, so
// selecting on ctx.Done here would race it away.
func (f *Forwarder) send(closed <-chan struct{}, ch chan<- []byte, chunk []byte) bool {
	select {
	case ch <- chunk:
		return true
	case <-closed:
		return false
	}
}

// Ping probes the backend liveness endpoint (GET /api/tags). It returns the
// backend status code, or an error when the backend is unreachable.
func (f *Forwarder) Ping(ctx context.Context) (int, error) {
	pingCtx, cancel := context.WithTimeout(ctx, f.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pingCtx, http.MethodGet, f.targetURL("/api/tags", ""), nil)
	if err != nil {
		return 0, fmt.Errorf("upstream: ping: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("upstream: ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// BaseURL returns the configured backend base URL.
func (f *Forwarder) BaseURL() string { return f.base.String() }

func (f *Forwarder) targetURL(path, rawQuery string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := strings.TrimRight(f.base.String(), "/") + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

func readerFor(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}

func errChunk(msg string) []byte {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return data
}

// classify wraps a transport error, detecting timeouts from both the context
// deadline and net-level timeout errors.
func classify(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Timeout: true, Err: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &Error{Timeout: true, Err: err}
	}
	return &Error{Err: err}
}
