package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

// Sink persists and publishes ingested events. Persist must complete before
// Publish is attempted for the same event.
type Sink interface {
	Persist(ctx context.Context, event domain.LogEvent) error
	Publish(ctx context.Context, event domain.LogEvent) error
}

// StatusHook applies a lifecycle change reported by a build worker.
type StatusHook func(ctx context.Context, deploymentID string, status domain.DeploymentStatus, reason string) error

// Config tunes the consumer loop.
type Config struct {
	// MaxAttempts bounds persist, publish and status attempts per message.
	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration
	// HeartbeatInterval is the liveness period while a batch is in flight.
	HeartbeatInterval time.Duration
	// CheckpointEvery commits after this many processed messages; the remainder of
	// a batch is committed when the batch finishes.
	CheckpointEvery int
	// OpTimeout bounds each persist, publish, dead-letter and commit call.
	OpTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 3 * time.Second
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 1
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 5 * time.Second
	}
	return c
}

// Consumer runs the pull, process, commit loop for one group member.
type Consumer struct {
	src        Source
	sink       Sink
	deadLetter DeadLetterSink
	status     StatusHook
	cfg        Config
	clock      *monotonicClock
	log        *slog.Logger
	metrics    *Metrics
}

// Option customises a Consumer.
type Option func(*Consumer)

// WithStatusHook registers the handler for STATUS fields.
func WithStatusHook(hook StatusHook) Option {
	return func(c *Consumer) { c.status = hook }
}

// WithMetrics records outcomes.
func WithMetrics(m *Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) { c.clock = newMonotonicClock(now) }
}

// NewConsumer builds a consumer. deadLetter may be nil, in which case exhausted
// messages are logged and skipped.
func NewConsumer(src Source, sink Sink, deadLetter DeadLetterSink, cfg Config, logger *slog.Logger, opts ...Option) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{
		src:        src,
		sink:       sink,
		deadLetter: deadLetter,
		cfg:        cfg.withDefaults(),
		clock:      newMonotonicClock(nil),
		log:        logger.With("component", "log_consumer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is cancelled or the broker fails. On cancellation it stops
// polling, finishes the in-flight batch, commits it and closes the source, then
// returns nil. Broker failures return an error wrapping ErrBrokerFatal.
func (c *Consumer) Run(ctx context.Context) (err error) {
	defer func() {
		if cerr := c.src.Close(); cerr != nil && err == nil {
			c.log.Warn("close source", "error", cerr)
		}
	}()
	c.log.Info("consumer started")
	for {
		if ctx.Err() != nil {
			c.log.Info("consumer stopping")
			return nil
		}
		batch, err := c.src.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil && !errors.Is(err, ErrBrokerFatal) {
				c.log.Info("consumer stopping")
				return nil
			}
			c.metrics.observeFatal()
			c.log.Error("broker poll failed", "error", err)
			if !errors.Is(err, ErrBrokerFatal) {
				err = Fatal("poll", err)
			}
			return err
		}
		if batch.Len() == 0 {
			continue
		}
		// The in-flight batch always completes, even after shutdown is requested.
		if err := c.processBatch(context.WithoutCancel(ctx), batch); err != nil {
			c.metrics.observeFatal()
			c.log.Error("batch aborted", "error", err)
			return err
		}
	}
}

func (c *Consumer) processBatch(ctx context.Context, batch Batch) error {
	defer c.src.Release()
	c.log.Debug("processing batch", "size", batch.Len())

	stop := c.startHeartbeat(ctx, batch)
	defer stop()

	pending := make([]Record, 0, c.cfg.CheckpointEvery)
	for _, rec := range batch.Records {
		c.handle(ctx, rec)
		pending = append(pending, rec)
		if len(pending) >= c.cfg.CheckpointEvery {
			if err := c.commit(ctx, pending); err != nil {
				return err
			}
			pending = pending[:0]
		}
	}
	return c.commit(ctx, pending)
}

func (c *Consumer) startHeartbeat(ctx context.Context, batch Batch) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := c.src.Heartbeat(hbCtx, batch); err != nil && hbCtx.Err() == nil {
					c.log.Warn("heartbeat failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (c *Consumer) commit(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	err := c.retry(ctx, func(ctx context.Context) error {
		return c.src.Commit(ctx, records)
	})
	if err != nil {
		if errors.Is(err, ErrBrokerFatal) {
			return err
		}
		return Fatal("commit", err)
	}
	last := records[len(records)-1]
	c.log.Debug("committed", "partition", last.Partition, "offset", last.Offset, "id", last.ID)
	return nil
}

// handle ingests one record. Every outcome ends with the record eligible for commit.
func (c *Consumer) handle(ctx context.Context, rec Record) {
	msg, err := Decode(rec.Value)
	if err != nil {
		c.metrics.observe(outcomeMalformed)
		c.log.Warn("skipping malformed message", "partition", rec.Partition, "offset", rec.Offset, "id", rec.ID, "error", err)
		return
	}

	event := domain.LogEvent{
		EventID:      uuid.NewString(),
		DeploymentID: msg.DeploymentID,
		Log:          msg.Log,
		Timestamp:    c.clock.Next(),
	}

	if err := c.retry(ctx, func(ctx context.Context) error { return c.sink.Persist(ctx, event) }); err != nil {
		c.deadLetterRecord(ctx, rec, fmt.Sprintf("persist: %v", err))
		return
	}
	if err := c.retry(ctx, func(ctx context.Context) error { return c.sink.Publish(ctx, event) }); err != nil {
		c.deadLetterRecord(ctx, rec, fmt.Sprintf("publish: %v", err))
		return
	}

	if msg.Status != "" && c.status != nil {
		err := c.retry(ctx, func(ctx context.Context) error {
			err := c.status(ctx, msg.DeploymentID, msg.Status, msg.Error)
			if errors.Is(err, repository.ErrInvalidTransition) {
				return permanent{err}
			}
			return err
		})
		switch {
		case errors.Is(err, repository.ErrInvalidTransition):
			c.metrics.observe(outcomeStatusRejected)
			c.log.Warn("status update rejected", "deployment_id", msg.DeploymentID, "status", msg.Status, "error", err)
		case err != nil:
			c.deadLetterRecord(ctx, rec, fmt.Sprintf("status %s: %v", msg.Status, err))
			return
		}
	}
	c.metrics.observe(outcomeProcessed)
}

// permanent marks an error that retrying cannot fix.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

func (c *Consumer) deadLetterRecord(ctx context.Context, rec Record, reason string) {
	c.metrics.observe(outcomeDeadLettered)
	c.log.Error("dead-lettering message", "partition", rec.Partition, "offset", rec.Offset, "id", rec.ID, "reason", reason)
	if c.deadLetter == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()
	if err := c.deadLetter.DeadLetter(opCtx, rec, reason); err != nil {
		c.log.Error("dead-letter write failed", "partition", rec.Partition, "offset", rec.Offset, "error", err)
	}
}

// retry runs op with bounded exponential backoff. Broker-fatal and permanent
// errors stop retrying.
func (c *Consumer) retry(ctx context.Context, op func(context.Context) error) error {
	backoff := retry.NewExponential(c.cfg.RetryBase)
	backoff = retry.WithCappedDuration(c.cfg.RetryCap, backoff)
	backoff = retry.WithMaxRetries(uint64(c.cfg.MaxAttempts-1), backoff)

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			c.metrics.observe(outcomeRetried)
		}
		opCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
		defer cancel()
		err := op(opCtx)
		var perm permanent
		if errors.As(err, &perm) {
			return perm.err
		}
		if err == nil || errors.Is(err, ErrBrokerFatal) {
			return err
		}
		return retry.RetryableError(err)
	})
}
