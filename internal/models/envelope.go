package models

import (
	"time"

	"github.com/google/uuid"
)

// WarningEvent wraps a WarningEntry with metadata for the notification sinks
type WarningEvent struct {
	ID     string       `json:"id"`
	Entry  WarningEntry `json:"entry"`
	Reason string       `json:"reason"`

	// Internal processing metadata
	ReceivedAt   time.Time `json:"received_at"`
	Node         string    `json:"node"`
	RetryCount   int       `json:"retry_count"`
	PartitionKey string    `json:"partition_key"`
}

// NewWarningEvent creates a new event for a logged warning
func NewWarningEvent(entry WarningEntry, node string) *WarningEvent {
	return &WarningEvent{
		ID:           uuid.New().String(),
		Entry:        entry,
		Reason:       WarningReason(entry.Sensor),
		ReceivedAt:   time.Now().UTC(),
		Node:         node,
		PartitionKey: entry.Sensor, // per-sensor ordering
	}
}
