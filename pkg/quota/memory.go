package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryMeter keeps events in memory. Tests and single-node deployments.
type MemoryMeter struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryMeter() *MemoryMeter {
	return &MemoryMeter{}
}

func (m *MemoryMeter) Record(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryMeter) UsageByType(ctx context.Context, workspaceID string, eventType EventType, period Period) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, e := range m.events {
		if e.WorkspaceID != workspaceID || e.EventType != eventType {
			continue
		}
		if e.Timestamp.Before(period.Start) || !e.Timestamp.Before(period.End) {
			continue
		}
		total += e.Quantity
	}
	return total, nil
}
