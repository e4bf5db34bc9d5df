// Package logstore persists build log events and reads them back per deployment.
package logstore

import (
	"context"
	"time"

	"github.com/splax/shipyard/internal/domain"
)

// DefaultLimit caps ListByDeployment when the caller leaves Query.Limit unset.
const DefaultLimit = 5000

// Query narrows a per-deployment read.
type Query struct {
	// Limit caps the number of rows returned. Zero selects DefaultLimit.
	Limit int
	// After, when non-zero, excludes events at or before this instant.
	After time.Time
}

// Store is an append-only event log keyed by deployment.
//
// Rows are never updated. A redelivered broker message yields a second row with a
// fresh event id; readers see both in (timestamp, event_id) order.
type Store interface {
	Insert(ctx context.Context, events []domain.LogEvent) error
	ListByDeployment(ctx context.Context, deploymentID string, q Query) ([]domain.LogEvent, error)
	Close() error
}

// EffectiveLimit resolves the row cap for q.
func (q Query) EffectiveLimit() int {
	if q.Limit <= 0 || q.Limit > DefaultLimit {
		return DefaultLimit
	}
	return q.Limit
}

// Less orders events by timestamp, then event id.
func Less(a, b domain.LogEvent) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.EventID < b.EventID
}
