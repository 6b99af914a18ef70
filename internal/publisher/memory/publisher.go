// Package memory contains an in-memory event publisher for tests.
package memory

import (
	"context"
	"sync"

	"github.com/snapframe/snapframe/internal/snapshot"
)

// Publisher stores published events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []snapshot.Event
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event.
func (p *Publisher) Publish(_ context.Context, event snapshot.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns the recorded publishes.
func (p *Publisher) Events() []snapshot.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]snapshot.Event, len(p.events))
	copy(out, p.events)
	return out
}
