package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/stageflow/internal/port/broadcast"
)

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}
}

func TestHubBroadcastEventNoConnections(t *testing.T) {
	hub := NewHub()

	// BroadcastEvent with no connections should not panic.
	hub.BroadcastEvent(context.Background(), broadcast.EventRunStatus, map[string]string{
		"run_id":       "run_1",
		"workspace_id": "ws-1",
		"status":       "queued",
	})
}

func TestHubBroadcastEventMarshalError(t *testing.T) {
	hub := NewHub()

	// A channel cannot be marshaled to JSON; should log, not panic.
	hub.BroadcastEvent(context.Background(), "bad", make(chan int))
}

func TestHubRemoveNonexistent(t *testing.T) {
	hub := NewHub()

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.remove(&conn{cancel: cancel, workspaceID: "ws-1"})
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func waitForConns(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d connections, have %d", n, hub.ConnectionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, c *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func TestHubWorkspaceRouting(t *testing.T) {
	hub := NewHub("*")
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	all := dial(t, srv, "")
	ws1 := dial(t, srv, "?workspace_id=ws-1")
	waitForConns(t, hub, 2)

	ctx := context.Background()
	hub.BroadcastEvent(ctx, broadcast.EventRunStatus, map[string]string{"workspace_id": "ws-2", "run_id": "run_a"})
	hub.BroadcastEvent(ctx, broadcast.EventRunStatus, map[string]string{"workspace_id": "ws-1", "run_id": "run_b"})

	// The unfiltered client sees both, in order.
	if m := readMessage(t, all); !strings.Contains(string(m.Payload), "run_a") {
		t.Fatalf("unfiltered client first message = %s", m.Payload)
	}
	if m := readMessage(t, all); !strings.Contains(string(m.Payload), "run_b") {
		t.Fatalf("unfiltered client second message = %s", m.Payload)
	}

	// The ws-1 client only sees its own workspace.
	m := readMessage(t, ws1)
	if m.Type != broadcast.EventRunStatus || !strings.Contains(string(m.Payload), "run_b") {
		t.Fatalf("filtered client got %s %s", m.Type, m.Payload)
	}
}

func TestHubClose(t *testing.T) {
	hub := NewHub("*")
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	dial(t, srv, "")
	waitForConns(t, hub, 1)

	hub.Close()
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected no connections after Close, got %d", hub.ConnectionCount())
	}
}
