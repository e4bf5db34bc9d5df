package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
)

const deadLetterReasonHeader = "x-dead-letter-reason"

// KafkaConfig configures the Kafka group member.
type KafkaConfig struct {
	Brokers         []string
	Topic           string
	Group           string
	DeadLetterTopic string
	MaxPollRecords  int
	ClientID        string
}

// KafkaSource consumes the log topic as a member of a consumer group. Offsets are
// committed manually. Polling blocks rebalances until Release, so partitions stay
// assigned while a batch is in flight; the client heartbeats the group in the
// background for the whole session.
type KafkaSource struct {
	client   *kgo.Client
	topic    string
	dlqTopic string
	maxPoll  int
	log      *slog.Logger
}

var (
	_ Source         = (*KafkaSource)(nil)
	_ DeadLetterSink = (*KafkaSource)(nil)
)

// NewKafkaSource joins the consumer group and verifies broker connectivity.
func NewKafkaSource(ctx context.Context, cfg KafkaConfig, logger *slog.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = cfg.Topic + ".dlq"
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "kafka_source", "topic", cfg.Topic, "group", cfg.Group)

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			log.Info("partitions assigned", "partitions", assigned[cfg.Topic])
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			log.Info("partitions revoked", "partitions", revoked[cfg.Topic])
		}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, Fatal("kafka client", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, Fatal("kafka ping", err)
	}
	return &KafkaSource{
		client:   client,
		topic:    cfg.Topic,
		dlqTopic: cfg.DeadLetterTopic,
		maxPoll:  cfg.MaxPollRecords,
		log:      log,
	}, nil
}

// Poll fetches the next batch of records.
func (k *KafkaSource) Poll(ctx context.Context) (Batch, error) {
	fetches := k.client.PollRecords(ctx, k.maxPoll)
	if fetches.IsClientClosed() {
		return Batch{}, Fatal("poll", kgo.ErrClientClosed)
	}
	if err := ctx.Err(); err != nil {
		k.client.AllowRebalance()
		return Batch{}, err
	}
	if errs := fetches.Errors(); len(errs) > 0 {
		k.client.AllowRebalance()
		msgs := make([]string, 0, len(errs))
		for _, fe := range errs {
			msgs = append(msgs, fmt.Sprintf("%s[%d]: %v", fe.Topic, fe.Partition, fe.Err))
		}
		return Batch{}, Fatal("fetch", errors.New(strings.Join(msgs, "; ")))
	}
	batch := Batch{Records: make([]Record, 0, fetches.NumRecords())}
	fetches.EachRecord(func(r *kgo.Record) {
		batch.Records = append(batch.Records, fromKafka(r))
	})
	return batch, nil
}

// Heartbeat checks broker reachability. Group membership is kept alive by the
// client itself, and rebalances stay blocked until Release.
func (k *KafkaSource) Heartbeat(ctx context.Context, _ Batch) error {
	if err := k.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping: %w", err)
	}
	return nil
}

// Commit commits the offsets of records.
func (k *KafkaSource) Commit(ctx context.Context, records []Record) error {
	raw := make([]*kgo.Record, 0, len(records))
	for _, rec := range records {
		if r, ok := rec.raw.(*kgo.Record); ok {
			raw = append(raw, r)
		}
	}
	if len(raw) == 0 {
		return nil
	}
	if err := k.client.CommitRecords(ctx, raw...); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}

// DeadLetter produces the record to the dead-letter topic with the failure reason.
func (k *KafkaSource) DeadLetter(ctx context.Context, rec Record, reason string) error {
	out := &kgo.Record{
		Topic: k.dlqTopic,
		Key:   rec.Key,
		Value: rec.Value,
		Headers: []kgo.RecordHeader{
			{Key: deadLetterReasonHeader, Value: []byte(reason)},
			{Key: "x-source-partition", Value: []byte(fmt.Sprint(rec.Partition))},
			{Key: "x-source-offset", Value: []byte(fmt.Sprint(rec.Offset))},
		},
	}
	if err := k.client.ProduceSync(ctx, out).FirstErr(); err != nil {
		return fmt.Errorf("produce dead letter: %w", err)
	}
	return nil
}

// Release lets the group rebalance again.
func (k *KafkaSource) Release() {
	k.client.AllowRebalance()
}

// Close leaves the group and closes the client.
func (k *KafkaSource) Close() error {
	k.client.Close()
	return nil
}

func fromKafka(r *kgo.Record) Record {
	return Record{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		raw:       r,
	}
}
