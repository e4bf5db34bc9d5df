package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ChannelPrefix is the only channel namespace clients may join.
const ChannelPrefix = "logs:"

const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
)

// ErrUnknownChannel is returned for channel names outside ChannelPrefix.
var ErrUnknownChannel = errors.New("unknown channel")

// ControlMessage is a client request.
type ControlMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// Ack confirms a control message.
type Ack struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Log     string `json:"log,omitempty"`
	Error   string `json:"error,omitempty"`
}

// LogFrame is the payload broadcast for each log line.
type LogFrame struct {
	Log string `json:"log"`
}

// EncodeLog renders a log line frame.
func EncodeLog(line string) []byte {
	payload, _ := json.Marshal(LogFrame{Log: line})
	return payload
}

// ParseChannel extracts the key from "logs:<key>".
func ParseChannel(name string) (string, error) {
	key, ok := strings.CutPrefix(strings.TrimSpace(name), ChannelPrefix)
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return key, nil
}

// ChannelResolver maps a channel key (a deployment id or a project subdomain) to the
// deployment id used as the hub channel.
type ChannelResolver func(ctx context.Context, key string) (string, error)

// Session runs the realtime protocol for one websocket client.
type Session struct {
	hub     *Hub
	client  *Client
	resolve ChannelResolver
	log     *slog.Logger
	timeout time.Duration
}

// NewSession wires a client to the hub.
func NewSession(hub *Hub, client *Client, resolve ChannelResolver, logger *slog.Logger) *Session {
	return &Session{hub: hub, client: client, resolve: resolve, log: logger, timeout: 5 * time.Second}
}

// Serve processes control frames until the connection closes or ctx ends, then
// removes the client from every channel.
func (s *Session) Serve(ctx context.Context) {
	defer func() {
		s.hub.Unsubscribe(s.client)
		s.client.Close()
	}()

	go s.keepAlive(ctx)

	err := s.client.readLoop(func(data []byte) {
		s.handle(ctx, data)
	})
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Debug("websocket session ended", "error", err)
	}
}

func (s *Session) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.client.Close()
			return
		case <-s.client.Done():
			return
		case <-ticker.C:
			if err := s.client.Ping(); err != nil {
				s.client.Close()
				return
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, data []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.reply(ctx, Ack{Type: TypeError, Error: "invalid message"})
		return
	}
	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
	default:
		s.reply(ctx, Ack{Type: TypeError, Channel: msg.Channel, Error: "unsupported message type"})
		return
	}
	key, err := ParseChannel(msg.Channel)
	if err != nil {
		s.reply(ctx, Ack{Type: TypeError, Channel: msg.Channel, Error: err.Error()})
		return
	}
	resolveCtx, cancel := context.WithTimeout(ctx, s.timeout)
	deploymentID, err := s.resolve(resolveCtx, key)
	cancel()
	if err != nil {
		s.reply(ctx, Ack{Type: TypeError, Channel: msg.Channel, Error: err.Error()})
		return
	}
	if msg.Type == TypeUnsubscribe {
		s.hub.UnsubscribeChannel(deploymentID, s.client)
		s.reply(ctx, Ack{Type: TypeUnsubscribed, Channel: msg.Channel})
		return
	}
	s.hub.Subscribe(deploymentID, s.client)
	s.log.Debug("subscribed", "channel", msg.Channel, "deployment_id", deploymentID)
	s.reply(ctx, Ack{Type: TypeSubscribed, Channel: msg.Channel, Log: "Subscribed to " + msg.Channel})
}

func (s *Session) reply(ctx context.Context, ack Ack) {
	payload, _ := json.Marshal(ack)
	sendCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	if err := s.client.Send(sendCtx, payload); err != nil {
		s.client.Close()
	}
}
