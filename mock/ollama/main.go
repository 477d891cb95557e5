// Command ollama runs a lightweight HTTP mock of the Ollama API. It is used
// for E2E testing of the proxy without a real model server.
//
// Listens on :19434 by default (override with PORT_OLLAMA).
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS   — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS — words in a streamed generation (default 10)
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Config holds runtime configuration for the mock server.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
}

func loadConfig() Config {
	c := Config{StreamWords: 10}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	return c
}

// fakeWords is a pool of words used to build mock generations.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "Ollama", "server", "simulating", "a", "local", "model",
	"for", "development", "and", "testing", "purposes",
}

func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

func shouldError(cfg Config) bool {
	if cfg.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.ErrorRate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Ollama uses a flat error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func newHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	// Model list — also what the proxy's health check probes.
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "llama3:latest", "size": 4661224676, "digest": "mock-digest-llama3"},
				{"name": "mistral:latest", "size": 4109865159, "digest": "mock-digest-mistral"},
			},
		})
	})

	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		handleGenerate(w, r, cfg, func(text string, done bool) map[string]any {
			out := map[string]any{"model": "llama3", "created_at": time.Now().Format(time.RFC3339), "done": done}
			if done {
				out["response"] = ""
				out["total_duration"] = int64(cfg.LatencyMS) * int64(time.Millisecond)
			} else {
				out["response"] = text
			}
			return out
		})
	})

	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		handleGenerate(w, r, cfg, func(text string, done bool) map[string]any {
			out := map[string]any{"model": "llama3", "created_at": time.Now().Format(time.RFC3339), "done": done}
			if !done {
				out["message"] = map[string]string{"role": "assistant", "content": text}
			}
			return out
		})
	})

	// Some clients hit sub-paths the mock does not model.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

// handleGenerate serves both /api/generate and /api/chat; chunk shapes differ
// only in the frame function.
func handleGenerate(w http.ResponseWriter, r *http.Request, cfg Config, frame func(text string, done bool) map[string]any) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	applyLatency(cfg)
	if shouldError(cfg) {
		writeError(w, http.StatusInternalServerError, "mock internal server error")
		return
	}

	var req struct {
		Model  string `json:"model"`
		Stream *bool  `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusNotFound, "model '' not found")
		return
	}

	content := fakeSentence(cfg.StreamWords)

	// Ollama streams by default; stream:false selects the buffered response.
	if req.Stream != nil && !*req.Stream {
		full := frame(content, false)
		full["done"] = true
		writeJSON(w, http.StatusOK, full)
		return
	}

	// NDJSON stream: one frame per word, then a terminal done frame.
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for _, word := range strings.Fields(content) {
		_ = enc.Encode(frame(word+" ", false))
		if flusher != nil {
			flusher.Flush()
		}
	}
	_ = enc.Encode(frame("", true))
	if flusher != nil {
		flusher.Flush()
	}
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	addr := ":19434"
	if v := os.Getenv("PORT_OLLAMA"); v != "" {
		addr = ":" + v
	}

	log.Info("starting mock ollama",
		slog.String("addr", addr),
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("stream_words", cfg.StreamWords),
	)

	srv := &http.Server{
		Addr:        addr,
		Handler:     newHandler(cfg),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock ollama")
	_ = srv.Close()
}
