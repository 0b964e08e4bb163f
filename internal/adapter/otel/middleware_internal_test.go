package otel

import "testing"

func TestSpanName(t *testing.T) {
	tests := []struct {
		method, path, want string
	}{
		{"POST", "/api/v1/runs/run_abc/claim", "POST /api/v1/runs"},
		{"GET", "/api/v1/runs", "GET /api/v1/runs"},
		{"GET", "/api/v1/", "GET /api/v1"},
		{"GET", "/", "GET /"},
	}
	for _, tt := range tests {
		if got := spanName(tt.method, tt.path); got != tt.want {
			t.Errorf("spanName(%q, %q) = %q, want %q", tt.method, tt.path, got, tt.want)
		}
	}
}
