// Package storage defines persistence interfaces for the gateway's event log.
// Credentials themselves are never persisted.
package storage

import (
	"context"
	"time"

	gateway "github.com/eugener/keyrelay/internal"
)

// UsageFilter selects usage records. Zero fields match everything.
type UsageFilter struct {
	Vendor      gateway.Vendor
	Model       string
	Fingerprint string
	Since       time.Time
	Limit       int
	Offset      int
}

// EventFilter selects key events. Zero fields match everything.
type EventFilter struct {
	Vendor      gateway.Vendor
	Fingerprint string
	Limit       int
}

// UsageStore manages usage record persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	QueryUsage(ctx context.Context, f UsageFilter) ([]gateway.UsageRecord, error)
}

// EventStore manages key event persistence.
type EventStore interface {
	InsertKeyEvents(ctx context.Context, events []gateway.KeyEvent) error
	ListKeyEvents(ctx context.Context, f EventFilter) ([]gateway.KeyEvent, error)
}

// Store combines all storage interfaces.
type Store interface {
	UsageStore
	EventStore
	// Prune deletes usage rows and key events created before cutoff and
	// reports how many rows were removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
