//go:build load

// Package load contains load tests that are excluded from regular CI runs.
// Run with: go test -tags load -count=1 -timeout 60s ./tests/load/
package load

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Strob0t/stageflow/internal/adapter/memory"
	"github.com/Strob0t/stageflow/internal/domain/run"
	"github.com/Strob0t/stageflow/internal/domain/stage"
	"github.com/Strob0t/stageflow/internal/service"
)

// TestCreateRunSustainedLoad fires 50 goroutines x 20 creates at 10 cards.
// Every card must end up with exactly one active run per stage.
func TestCreateRunSustainedLoad(t *testing.T) {
	ctx := context.Background()
	svc := service.NewRunService(memory.NewStore(), nil, nil)

	const goroutines = 50
	const reqsPerGoroutine = 20
	const cards = 10

	var created atomic.Int64
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := range goroutines {
		go func() {
			defer wg.Done()
			for i := range reqsPerGoroutine {
				card := fmt.Sprintf("card-%d", (g+i)%cards)
				_, ok, err := svc.CreateRun(ctx, &run.CreateRequest{
					CardID: card, WorkspaceID: "ws-load", Stage: stage.Build, TriggeredBy: "load",
				})
				if err != nil {
					t.Errorf("CreateRun: %v", err)
					return
				}
				if ok {
					created.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := created.Load(); got != cards {
		t.Fatalf("expected %d created runs, got %d", cards, got)
	}
}

// TestClaimRace has 100 workers contend for the same queued run. Exactly one
// claim may win.
func TestClaimRace(t *testing.T) {
	ctx := context.Background()
	svc := service.NewRunService(memory.NewStore(), nil, nil)

	r, _, err := svc.CreateRun(ctx, &run.CreateRequest{
		CardID: "card-race", WorkspaceID: "ws-load", Stage: stage.Build,
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	const workers = 100
	var wins atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := range workers {
		go func() {
			defer wg.Done()
			ok, err := svc.ClaimRun(ctx, r.ID, fmt.Sprintf("w-%d", w))
			if err != nil {
				t.Errorf("ClaimRun: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly 1 winning claim, got %d", got)
	}
}
