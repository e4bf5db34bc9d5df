package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSessionServer(t *testing.T, hub *Hub, resolve ChannelResolver) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		NewSession(hub, NewClient(conn, logger), resolve, logger).Serve(context.Background())
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readAck(t *testing.T, conn *websocket.Conn) Ack {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var ack Ack
	require.NoError(t, conn.ReadJSON(&ack))
	return ack
}

func TestSessionSubscribeAndReceive(t *testing.T) {
	hub := NewHub()
	resolve := func(_ context.Context, key string) (string, error) {
		if key == "brave-otter-cloud" {
			return "dep-1", nil
		}
		if key == "dep-1" {
			return key, nil
		}
		return "", errors.New("channel not found")
	}
	url := newSessionServer(t, hub, resolve)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ControlMessage{Type: TypeSubscribe, Channel: "logs:brave-otter-cloud"}))
	ack := readAck(t, conn)
	assert.Equal(t, TypeSubscribed, ack.Type)
	assert.Equal(t, "Subscribed to logs:brave-otter-cloud", ack.Log)

	n, err := hub.Broadcast(context.Background(), "dep-1", EncodeLog("Build started"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame LogFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "Build started", frame.Log)

	require.NoError(t, conn.WriteJSON(ControlMessage{Type: TypeSubscribe, Channel: "logs:nope"}))
	assert.Equal(t, TypeError, readAck(t, conn).Type)

	require.NoError(t, conn.WriteJSON(ControlMessage{Type: TypeUnsubscribe, Channel: "logs:dep-1"}))
	assert.Equal(t, TypeUnsubscribed, readAck(t, conn).Type)
	assert.Equal(t, 0, hub.Stats().Memberships)
}

func TestSessionCleansUpOnDisconnect(t *testing.T) {
	hub := NewHub()
	url := newSessionServer(t, hub, func(_ context.Context, key string) (string, error) { return key, nil })

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ControlMessage{Type: TypeSubscribe, Channel: "logs:dep-9"}))
	readAck(t, conn)
	require.Equal(t, 1, hub.Stats().Subscribers)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Stats() == Stats{} }, 2*time.Second, 10*time.Millisecond)
}
