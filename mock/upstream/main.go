// Command upstream runs a lightweight HTTP mock of the internal
// session-oriented chat backend that the gateway proxies. It is used for
// E2E/load testing without real upstream credentials.
//
// It serves:
//
//	POST /token                        — cross-site-request token
//	POST /v1/sessions:create           — session creation
//	POST /v1/sessions:streamAssist     — concatenated-JSON streaming replies
//	GET  /v1/sessions/{name}/files:latest — latest generated media
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS   — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of session-creation and streamAssist requests
//	                    that fail, with HTTP 500 and 502 respectively (default 0)
//	MOCK_STREAM_WORDS — words in streamAssist replies (default 10)
//	PORT              — listen port (default 19101)
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Config holds runtime configuration for the mock backend.
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

var fakeWords = []string{
	"the", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"hello", "world", "this", "is", "a", "mock", "response", "from", "the",
	"mock", "upstream", "simulating", "a", "real", "chat", "backend", "call",
}

func fakeWord() string {
	return fakeWords[rand.Intn(len(fakeWords))]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// newHandler builds the mock backend's routes.
func newHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		key := base64.RawURLEncoding.EncodeToString([]byte("mock-signing-key-0123456789abcd"))
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     key,
			"keyId":     "mock-kid",
			"expiresAt": time.Now().Add(time.Hour).Unix(),
		})
	})

	mux.HandleFunc("/v1/sessions:create", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if shouldError(cfg) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var req struct {
			CSesIdx string `json:"cSesIdx"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, http.StatusOK, map[string]any{
			"sessionName": fmt.Sprintf("sessions/%x", rand.Int63()),
		})
	})

	mux.HandleFunc("/v1/sessions:streamAssist", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if shouldError(cfg) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("mock upstream error"))
			return
		}

		flusher, ok := w.(http.Flusher)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		_, _ = w.Write([]byte("["))
		if ok {
			flusher.Flush()
		}

		words := make([]string, cfg.StreamWords)
		for i := range words {
			words[i] = fakeWord()
		}

		for i, word := range words {
			obj := map[string]any{
				"streamAssistResponse": map[string]any{
					"answer": map[string]any{
						"state": "",
						"replies": []map[string]any{
							{"groundedContent": map[string]any{"content": map[string]any{"text": word + " "}}},
						},
					},
				},
			}
			raw, _ := json.Marshal(obj)
			_, _ = w.Write(raw)
			if i < len(words)-1 {
				_, _ = w.Write([]byte(","))
			}
			if ok {
				flusher.Flush()
			}
		}

		final := map[string]any{
			"streamAssistResponse": map[string]any{
				"answer": map[string]any{
					"state":   "SUCCEEDED",
					"replies": []map[string]any{},
				},
				"sessionInfo": map[string]any{"turn": 1},
			},
		}
		raw, _ := json.Marshal(final)
		_, _ = w.Write([]byte(","))
		_, _ = w.Write(raw)
		_, _ = w.Write([]byte("]"))
	})

	mux.HandleFunc("/v1/sessions/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/files:latest") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		applyLatency(cfg)
		writeJSON(w, http.StatusOK, map[string]any{
			"fileId":     "file-1",
			"mimeType":   "image/png",
			"dataBase64": base64.StdEncoding.EncodeToString([]byte("mock-image-bytes")),
		})
	})

	return mux
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	port := "19101"
	if v := os.Getenv("PORT"); v != "" {
		port = v
	}

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      newHandler(cfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("mock upstream listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock upstream")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
