// Package pubsub provides a generic publish/subscribe event system.
// The manager publishes worker snapshots through a broker so that
// subscribers (CLI, log tail, future UI surfaces) observe state at the
// moment of emission and never hold a live reference to a worker record.
package pubsub

import (
	"context"
	"time"
)

// EventType identifies what a published event describes.
type EventType string

const (
	// WorkerUpdate carries a full worker snapshot after any mutation.
	WorkerUpdate EventType = "worker_update"
	// MilestoneAdded carries a snapshot whose latest milestone is new.
	MilestoneAdded EventType = "milestone"
	// OutputLine carries a snapshot after assistant text was appended.
	OutputLine EventType = "output"
	// WorkerRemoved is published when a worker is evicted or deleted.
	WorkerRemoved EventType = "worker_removed"
	// CredsChanged is published when engine credentials appear or vanish.
	CredsChanged EventType = "creds_changed"
	// LogLine carries a formatted log entry (log package broker).
	LogLine EventType = "log"
)

// Event represents a published event with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
