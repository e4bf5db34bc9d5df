package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// valueField is the stream entry field carrying the JSON message.
const valueField = "value"

// RedisConfig configures the Redis Streams group member.
type RedisConfig struct {
	Stream   string
	Group    string
	Consumer string
	Count    int64
	Block    time.Duration
}

// RedisSource consumes a Redis stream through a consumer group. Entries stay in the
// group's pending list until Commit acknowledges them, so a crash redelivers them
// to the same consumer name on restart.
type RedisSource struct {
	rdb      redis.UniversalClient
	stream   string
	dlq      string
	group    string
	consumer string
	count    int64
	block    time.Duration
	backlog  bool
	log      *slog.Logger
}

var (
	_ Source         = (*RedisSource)(nil)
	_ DeadLetterSink = (*RedisSource)(nil)
)

// NewRedisSource creates the consumer group when missing.
func NewRedisSource(ctx context.Context, rdb redis.UniversalClient, cfg RedisConfig, logger *slog.Logger) (*RedisSource, error) {
	if cfg.Stream == "" {
		cfg.Stream = DefaultTopic
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		return nil, errors.New("redis stream: consumer name required")
	}
	if cfg.Count <= 0 {
		cfg.Count = 100
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	err := rdb.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, Fatal("xgroup create", err)
	}
	return &RedisSource{
		rdb:      rdb,
		stream:   cfg.Stream,
		dlq:      cfg.Stream + ":dlq",
		group:    cfg.Group,
		consumer: cfg.Consumer,
		count:    cfg.Count,
		block:    cfg.Block,
		backlog:  true,
		log:      logger.With("component", "redis_source", "stream", cfg.Stream, "group", cfg.Group),
	}, nil
}

// Poll reads this consumer's unacknowledged backlog first, then new entries.
func (r *RedisSource) Poll(ctx context.Context) (Batch, error) {
	start := ">"
	if r.backlog {
		start = "0"
	}
	args := &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, start},
		Count:    r.count,
		Block:    r.block,
	}
	if r.backlog {
		args.Block = -1
	}
	streams, err := r.rdb.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			r.backlog = false
			return Batch{}, nil
		}
		if ctx.Err() != nil {
			return Batch{}, ctx.Err()
		}
		return Batch{}, Fatal("xreadgroup", err)
	}
	batch := Batch{}
	for _, s := range streams {
		for _, msg := range s.Messages {
			batch.Records = append(batch.Records, fromRedis(s.Stream, msg))
		}
	}
	if r.backlog && len(batch.Records) == 0 {
		r.backlog = false
	}
	return batch, nil
}

// Heartbeat re-claims the in-flight entries for this consumer, resetting their idle
// time so other members do not steal them.
func (r *RedisSource) Heartbeat(ctx context.Context, batch Batch) error {
	ids := recordIDs(batch.Records)
	if len(ids) == 0 {
		return nil
	}
	return r.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   r.stream,
		Group:    r.group,
		Consumer: r.consumer,
		Messages: ids,
	}).Err()
}

// Commit acknowledges records.
func (r *RedisSource) Commit(ctx context.Context, records []Record) error {
	ids := recordIDs(records)
	if len(ids) == 0 {
		return nil
	}
	if err := r.rdb.XAck(ctx, r.stream, r.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// DeadLetter appends the record to "<stream>:dlq".
func (r *RedisSource) DeadLetter(ctx context.Context, rec Record, reason string) error {
	return r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.dlq,
		Values: map[string]any{
			valueField:  string(rec.Value),
			"reason":    reason,
			"source_id": rec.ID,
		},
	}).Err()
}

// Release is a no-op; Redis groups do not rebalance.
func (r *RedisSource) Release() {}

// Close is a no-op; the Redis client is owned by the caller.
func (r *RedisSource) Close() error { return nil }

func fromRedis(stream string, msg redis.XMessage) Record {
	rec := Record{Topic: stream, ID: msg.ID, Offset: -1, raw: msg}
	if v, ok := msg.Values[valueField].(string); ok {
		rec.Value = []byte(v)
		return rec
	}
	// Entries written field-by-field (XADD s * PROJECT_ID .. DEPLOYMENT_ID .. log ..).
	rec.Value, _ = json.Marshal(msg.Values)
	return rec
}

func recordIDs(records []Record) []string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.ID != "" {
			ids = append(ids, rec.ID)
		}
	}
	return ids
}

// RedisPublisher appends log messages to a stream the way a build worker does.
type RedisPublisher struct {
	rdb    redis.UniversalClient
	stream string
}

// NewRedisPublisher returns a publisher for stream.
func NewRedisPublisher(rdb redis.UniversalClient, stream string) *RedisPublisher {
	if stream == "" {
		stream = DefaultTopic
	}
	return &RedisPublisher{rdb: rdb, stream: stream}
}

// Publish appends msg.
func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	value, err := Encode(msg)
	if err != nil {
		return err
	}
	return p.rdb.XAdd(ctx, &redis.XAddArgs{Stream: p.stream, Values: map[string]any{valueField: string(value)}}).Err()
}
