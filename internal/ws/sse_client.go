package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var errHeldOverflow = errors.New("sse: too many frames queued behind replay")

// maxHeldFrames caps live frames queued behind a history replay.
const maxHeldFrames = 4096

// SSEClient streams log frames as Server-Sent Events over an HTTP response.
type SSEClient struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	log     *slog.Logger
	closed  bool
	done    chan struct{}
	holding bool
	held    [][]byte
}

// NewSSEClient builds an SSE client instance and writes the stream headers.
func NewSSEClient(w http.ResponseWriter, logger *slog.Logger) *SSEClient {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &SSEClient{w: w, rc: http.NewResponseController(w), log: logger, done: make(chan struct{})}
}

// Send emits a data event, bounded by the context deadline. While the client is
// held, frames are queued until Resume.
func (c *SSEClient) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if c.holding {
		if len(c.held) >= maxHeldFrames {
			c.closeLocked()
			return errHeldOverflow
		}
		c.held = append(c.held, append([]byte(nil), payload...))
		return nil
	}
	return c.writeLocked(ctx, payload)
}

// Hold queues live frames so a replay can be written ahead of them.
func (c *SSEClient) Hold() {
	c.mu.Lock()
	c.holding = true
	c.mu.Unlock()
}

// Replay writes a frame directly, ahead of anything queued by Hold.
func (c *SSEClient) Replay(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	return c.writeLocked(ctx, payload)
}

// Resume writes the queued frames in arrival order and returns to direct sends.
func (c *SSEClient) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	held := c.held
	c.held, c.holding = nil, false
	if c.closed {
		return io.EOF
	}
	for _, payload := range held {
		if err := c.writeLocked(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

func (c *SSEClient) writeLocked(ctx context.Context, payload []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.rc.SetWriteDeadline(deadline)
		defer func() { _ = c.rc.SetWriteDeadline(time.Time{}) }()
	}
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", payload); err != nil {
		c.closeLocked()
		c.log.Warn("sse send failed", "error", err)
		return err
	}
	return c.rc.Flush()
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := fmt.Fprint(c.w, ": ping\n\n"); err != nil {
		c.closeLocked()
		return err
	}
	return c.rc.Flush()
}

// Close marks the stream as closed.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

// Done is closed once the stream has been closed.
func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}

func (c *SSEClient) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
