package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const listenerRetryDelay = 2 * time.Second

// ReadyListener receives READY announcements published by NotifyReady.
type ReadyListener struct {
	pool       *pgxpool.Pool
	channel    string
	logger     *slog.Logger
	retryDelay time.Duration
	listen     func(ctx context.Context, fn func(string), listening func()) error
}

// NewReadyListener constructs a listener on channel.
func NewReadyListener(pool *pgxpool.Pool, channel string, logger *slog.Logger) *ReadyListener {
	if logger == nil {
		logger = slog.Default()
	}
	l := &ReadyListener{
		pool:       pool,
		channel:    channel,
		logger:     logger.With("component", "ready_listener"),
		retryDelay: listenerRetryDelay,
	}
	l.listen = l.listenConn
	return l
}

// Run invokes fn with the payload (a project subdomain) of every notification until
// ctx is cancelled. Lost connections are re-established after a short delay.
// onListen, when set, runs each time LISTEN succeeds; notifications sent while the
// listener was disconnected are lost, so callers use it to drop derived state.
func (l *ReadyListener) Run(ctx context.Context, fn func(subDomain string), onListen func()) {
	listening := func() {
		if onListen != nil {
			onListen()
		}
	}
	for {
		err := l.listen(ctx, fn, listening)
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn("ready listener disconnected", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.retryDelay):
		}
	}
}

func (l *ReadyListener) listenConn(ctx context.Context, fn func(string), listening func()) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", l.channel, err)
	}
	l.logger.Info("listening for ready deployments", "channel", l.channel)
	listening()
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		fn(notification.Payload)
	}
}
