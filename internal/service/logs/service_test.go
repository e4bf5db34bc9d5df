package logs

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/logstore"
	"github.com/splax/shipyard/internal/ws"
)

type captureSubscriber struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSubscriber) Send(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, string(payload))
	return nil
}

func (c *captureSubscriber) Close() {}

func TestAppendPersistsThenBroadcasts(t *testing.T) {
	ctx := context.Background()
	store := logstore.NewMemory()
	hub := ws.NewHub()
	svc := New(store, hub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	sub := &captureSubscriber{}
	hub.Subscribe("dep-1", sub)

	ev := domain.LogEvent{EventID: "e1", DeploymentID: "dep-1", Log: "Build started", Timestamp: time.Now()}
	require.NoError(t, svc.Append(ctx, ev))

	rows, err := svc.List(ctx, "dep-1", logstore.Query{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Build started", rows[0].Log)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.Len(t, sub.msgs, 1)
	assert.JSONEq(t, `{"log":"Build started"}`, sub.msgs[0])
	assert.Same(t, hub, svc.Hub())
}

func TestPersistFailsWhenStoreClosed(t *testing.T) {
	store := logstore.NewMemory()
	require.NoError(t, store.Close())
	svc := New(store, ws.NewHub(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := svc.Persist(context.Background(), domain.LogEvent{EventID: "e", DeploymentID: "d"})
	assert.ErrorIs(t, err, logstore.ErrClosed)
}
