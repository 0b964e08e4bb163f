package middleware

import (
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Strob0t/stageflow/internal/logger"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"generated", ""},
		{"propagated from board", "kanban-sync-7f3a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctxID, caller string
			handler := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				ctxID = logger.RequestID(r.Context())
				caller = logger.Caller(r.Context())
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", http.NoBody)
			if tt.header != "" {
				req.Header.Set(headerRequestID, tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			respID := rec.Header().Get(headerRequestID)
			if respID != ctxID {
				t.Errorf("response id %q != context id %q", respID, ctxID)
			}
			if caller != logger.CallerHTTP {
				t.Errorf("caller = %q, want %q", caller, logger.CallerHTTP)
			}
			if tt.header != "" {
				if ctxID != tt.header {
					t.Errorf("id = %q, want %q", ctxID, tt.header)
				}
				return
			}
			if b, err := hex.DecodeString(ctxID); err != nil || len(b) != 16 {
				t.Errorf("generated id %q is not 32 hex chars", ctxID)
			}
		})
	}
}

func TestRequestIDUniquePerRequest(t *testing.T) {
	seen := map[string]bool{}
	handler := RequestID(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	for range 50 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
		id := rec.Header().Get(headerRequestID)
		if seen[id] {
			t.Fatalf("duplicate request id %q", id)
		}
		seen[id] = true
	}
}
