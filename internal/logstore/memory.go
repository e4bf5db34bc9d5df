package logstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/splax/shipyard/internal/domain"
)

// ErrClosed is returned by a Memory store after Close.
var ErrClosed = errors.New("logstore: closed")

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	rows   map[string][]domain.LogEvent
	closed bool
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string][]domain.LogEvent)}
}

// Insert appends events, keeping each deployment's rows sorted.
func (m *Memory) Insert(ctx context.Context, events []domain.LogEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	touched := make(map[string]struct{})
	for _, ev := range events {
		m.rows[ev.DeploymentID] = append(m.rows[ev.DeploymentID], ev)
		touched[ev.DeploymentID] = struct{}{}
	}
	for id := range touched {
		rows := m.rows[id]
		sort.SliceStable(rows, func(i, j int) bool { return Less(rows[i], rows[j]) })
	}
	return nil
}

// ListByDeployment returns a copy of the deployment's rows in ascending order.
func (m *Memory) ListByDeployment(ctx context.Context, deploymentID string, q Query) ([]domain.LogEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	limit := q.EffectiveLimit()
	out := make([]domain.LogEvent, 0)
	for _, ev := range m.rows[deploymentID] {
		if !q.After.IsZero() && !ev.Timestamp.After(q.After) {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close marks the store closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
