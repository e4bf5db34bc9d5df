package logstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/shipyard/internal/domain"
)

func TestMemoryReplayKeepsOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	first := []domain.LogEvent{
		{EventID: "a1", DeploymentID: "d1", Log: "clone", Timestamp: base},
		{EventID: "b1", DeploymentID: "d2", Log: "other", Timestamp: base.Add(time.Millisecond)},
		{EventID: "a2", DeploymentID: "d1", Log: "build", Timestamp: base.Add(2 * time.Millisecond)},
	}
	require.NoError(t, store.Insert(ctx, first))

	// redelivery of the same batch with fresh ids and later timestamps
	replay := []domain.LogEvent{
		{EventID: "a3", DeploymentID: "d1", Log: "clone", Timestamp: base.Add(10 * time.Millisecond)},
		{EventID: "a4", DeploymentID: "d1", Log: "build", Timestamp: base.Add(11 * time.Millisecond)},
	}
	require.NoError(t, store.Insert(ctx, replay))

	rows, err := store.ListByDeployment(ctx, "d1", Query{})
	require.NoError(t, err)
	var logs []string
	for _, r := range rows {
		assert.Equal(t, "d1", r.DeploymentID)
		logs = append(logs, r.Log)
	}
	assert.Equal(t, []string{"clone", "build", "clone", "build"}, logs)
}

func TestMemoryQueryAfterAndLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Insert(ctx, []domain.LogEvent{{
			EventID: string(rune('a' + i)), DeploymentID: "d", Log: "line", Timestamp: base.Add(time.Duration(i) * time.Second),
		}}))
	}

	rows, err := store.ListByDeployment(ctx, "d", Query{After: base.Add(time.Second), Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "c", rows[0].EventID)
	assert.Equal(t, "d", rows[1].EventID)

	empty, err := store.ListByDeployment(ctx, "unknown", Query{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryClosed(t *testing.T) {
	store := NewMemory()
	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Insert(context.Background(), nil), ErrClosed)
}
