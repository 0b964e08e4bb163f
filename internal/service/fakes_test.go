package service_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Strob0t/stageflow/internal/adapter/memory"
	"github.com/Strob0t/stageflow/internal/port/messagequeue"
	"github.com/Strob0t/stageflow/internal/service"
)

// --- Fakes ---

type published struct {
	subject string
	data    []byte
}

type fakeQueue struct {
	mu       sync.Mutex
	messages []published
	fail     error
	handlers map[string]messagequeue.Handler
}

func (q *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.messages = append(q.messages, published{subject: subject, data: data})
	return nil
}

func (q *fakeQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.handlers == nil {
		q.handlers = make(map[string]messagequeue.Handler)
	}
	q.handlers[subject] = h
	return func() {}, nil
}

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }

func (q *fakeQueue) subjects() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.messages))
	for i, m := range q.messages {
		out[i] = m.subject
	}
	return out
}

func (q *fakeQueue) count(subject string) int {
	n := 0
	for _, s := range q.subjects() {
		if s == subject {
			n++
		}
	}
	return n
}

type recordingHub struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHub) BroadcastEvent(_ context.Context, eventType string, _ any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, eventType)
}

func (h *recordingHub) count(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// mapCache is an unbounded cache.Cache without expiry.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

var errQueueDown = errors.New("queue down")

// --- Fixture ---

type fixture struct {
	store   *memory.Store
	queue   *fakeQueue
	hub     *recordingHub
	cache   *mapCache
	runs    *service.RunService
	workers *service.WorkerService
	rescue  *service.RescueService
	recipes *service.RecipeService
	skills  *service.SkillService
	advance *service.AdvanceService
}

func newFixture() *fixture {
	f := &fixture{
		store: memory.NewStore(),
		queue: &fakeQueue{},
		hub:   &recordingHub{},
		cache: newMapCache(),
	}
	f.runs = service.NewRunService(f.store, f.queue, f.hub)
	f.workers = service.NewWorkerService(f.store, f.hub, 2*time.Minute)
	f.rescue = service.NewRescueService(f.store, f.queue, f.hub, 10*time.Minute, 2*time.Minute)
	f.recipes = service.NewRecipeService(f.store, f.cache, time.Minute)
	f.skills = service.NewSkillService(f.store)
	f.advance = service.NewAdvanceService(f.store, f.runs, f.recipes, f.queue, f.hub)
	return f
}
