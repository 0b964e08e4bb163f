package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// scope is the subset of every event payload used for workspace routing.
type scope struct {
	WorkspaceID string `json:"workspace_id"`
}

// BroadcastEvent implements broadcast.Broadcaster. The payload's workspace_id, when
// present, selects which filtered clients receive the event.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	var s scope
	_ = json.Unmarshal(data, &s)

	h.Broadcast(ctx, s.WorkspaceID, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
