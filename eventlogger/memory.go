package eventlogger

import (
	"context"
	"sync"
)

type memoryEventLogger struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryEventLogger() *memoryEventLogger {
	return &memoryEventLogger{}
}

func (el *memoryEventLogger) Save(ctx context.Context, e Event) error {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.events = append(el.events, e)
	return nil
}

func (el *memoryEventLogger) GetByType(ctx context.Context, eventType string, limit int) ([]Event, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	events := make([]Event, 0)
	for i := len(el.events) - 1; i >= 0; i-- {
		if el.events[i].Type != eventType {
			continue
		}
		events = append(events, el.events[i])
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

// Types lists the type of every saved event in order.
func (el *memoryEventLogger) Types() []string {
	el.mu.Lock()
	defer el.mu.Unlock()
	types := make([]string, 0, len(el.events))
	for _, e := range el.events {
		types = append(types, e.Type)
	}
	return types
}
