package http

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prospectd/prospectd/internal/logger"
	"github.com/prospectd/prospectd/internal/middleware"
)

// The server registers middleware.RequestID ahead of Logger so the
// request log line carries the id. Covers both the generated and the
// caller-supplied id paths.
func TestLoggerSeesRequestID(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	chain := middleware.RequestID(Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if logger.RequestID(r.Context()) == "" {
			t.Error("handler context has no request id")
		}
		w.WriteHeader(http.StatusOK)
	})))

	t.Run("generated", func(t *testing.T) {
		buf.Reset()
		rec := httptest.NewRecorder()
		chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", http.NoBody))

		var entry struct {
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("parse log line: %v", err)
		}
		if entry.RequestID == "" {
			t.Fatal("request log line has empty request_id")
		}
		if got := rec.Header().Get("X-Request-ID"); got != entry.RequestID {
			t.Fatalf("response header id %q != logged id %q", got, entry.RequestID)
		}
	})

	t.Run("caller supplied", func(t *testing.T) {
		buf.Reset()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", http.NoBody)
		req.Header.Set("X-Request-ID", "req-42")
		chain.ServeHTTP(httptest.NewRecorder(), req)

		var entry struct {
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("parse log line: %v", err)
		}
		if entry.RequestID != "req-42" {
			t.Fatalf("logged request_id = %q, want req-42", entry.RequestID)
		}
	})
}
