package logger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/stageflow/internal/config"
)

// lockedBuffer serializes writes from the async workers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("decode log line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

// gateHandler blocks every record until release is closed.
type gateHandler struct {
	release chan struct{}
	mu      sync.Mutex
	msgs    []string
}

func (h *gateHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *gateHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	<-h.release
	h.mu.Lock()
	h.msgs = append(h.msgs, rec.Message)
	h.mu.Unlock()
	return nil
}

func (h *gateHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *gateHandler) WithGroup(string) slog.Handler      { return h }

func TestAsyncHandler_KeepsCorrelationAfterCancel(t *testing.T) {
	var out lockedBuffer
	l, closer := newWithWriter(config.Logging{Level: "info", Service: "stageflow", Async: true}, &out)

	ctx, cancel := context.WithCancel(WithCaller(WithRequestID(context.Background(), "req-42"), CallerRescuer))
	l.InfoContext(ctx, "run rescued", "run_id", "run_1")
	cancel()
	closer.Close()

	lines := out.lines(t)
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1", len(lines))
	}
	got := lines[0]
	if got["request_id"] != "req-42" || got["caller"] != CallerRescuer {
		t.Errorf("correlation = request_id %v caller %v", got["request_id"], got["caller"])
	}
	if got["run_id"] != "run_1" || got["service"] != "stageflow" {
		t.Errorf("attrs = %v", got)
	}
}

func TestAsyncHandler_SharedQueueAcrossWith(t *testing.T) {
	var out lockedBuffer
	l, closer := newWithWriter(config.Logging{Level: "info", Service: "stageflow", Async: true}, &out)

	runs := l.With("component", "runs")
	workers := l.WithGroup("worker")
	runs.Info("run created")
	workers.Info("heartbeat", "id", "w-1")
	closer.Close()

	lines := out.lines(t)
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2", len(lines))
	}
	var sawGroup bool
	for _, m := range lines {
		if w, ok := m["worker"].(map[string]any); ok && w["id"] == "w-1" {
			sawGroup = true
		}
	}
	if !sawGroup {
		t.Errorf("grouped attrs missing from %v", lines)
	}
}

func TestAsyncHandler_DropsWhenBacklogged(t *testing.T) {
	inner := &gateHandler{release: make(chan struct{})}
	ah := NewAsyncHandler(inner, 2, 1)

	// One record is held by the worker, two fill the buffer, the rest drop.
	for i := range 10 {
		rec := slog.NewRecord(time.Now(), slog.LevelWarn, "stage gate pending", 0)
		rec.AddAttrs(slog.Int("n", i))
		if err := ah.Handle(context.Background(), rec); err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if i == 0 {
			// Let the worker pick up the first record before filling the buffer.
			deadline := time.Now().Add(time.Second)
			for len(ah.ch) > 0 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
		}
	}

	close(inner.release)
	ah.Close()

	inner.mu.Lock()
	handled := len(inner.msgs)
	inner.mu.Unlock()
	if handled != 3 {
		t.Errorf("handled = %d, want 3", handled)
	}
	if got := ah.DroppedCount(); got != 7 {
		t.Errorf("DroppedCount() = %d, want 7", got)
	}
}
