package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Strob0t/stageflow/internal/port/messagequeue"
	"github.com/Strob0t/stageflow/internal/resilience"
)

// publisher sends JSON messages to the queue through an optional circuit breaker.
// A nil queue turns every publish into a no-op (NATS disabled).
type publisher struct {
	queue   messagequeue.Queue
	breaker *resilience.Breaker
}

func (p *publisher) publishJSON(ctx context.Context, subject string, payload any) error {
	if p.queue == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if p.breaker == nil {
		return p.queue.Publish(ctx, subject, data)
	}
	return p.breaker.Execute(func() error {
		return p.queue.Publish(ctx, subject, data)
	})
}

// publishBestEffort logs publish failures instead of returning them.
func (p *publisher) publishBestEffort(ctx context.Context, subject string, payload any, attrs ...any) {
	if err := p.publishJSON(ctx, subject, payload); err != nil {
		slog.WarnContext(ctx, "publish failed", append([]any{"subject", subject, "error", err}, attrs...)...)
	}
}
