// Package broadcast defines the port for pushing live run, worker and stage
// events to connected clients.
package broadcast

import "context"

// Event types sent to clients.
const (
	EventRunStatus    = "run.status"
	EventRunLog       = "run.log"
	EventRunArtifact  = "run.artifact"
	EventWorkerStatus = "worker.status"
	EventStageDecided = "stage.decided"
	EventRunsRescued  = "runs.rescued"
)

// Broadcaster sends real-time events to all connected clients.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all connected clients.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// Nop discards every event.
type Nop struct{}

// BroadcastEvent implements Broadcaster.
func (Nop) BroadcastEvent(context.Context, string, any) {}
