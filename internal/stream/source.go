// Package stream moves build log events from a durable topic into the log store and
// the realtime hub with at-least-once delivery.
package stream

import (
	"context"
	"errors"
	"fmt"
)

// DefaultTopic is the topic build workers publish log lines to.
const DefaultTopic = "container-logs"

// DefaultGroup is the consumer group shared by API instances.
const DefaultGroup = "api-server-logs-consumer"

// ErrBrokerFatal marks broker failures the consumer cannot recover from in-process
// (lost connection, failed subscribe or commit). Callers should exit and let the
// supervisor restart them.
var ErrBrokerFatal = errors.New("stream: broker fatal")

// Fatal wraps err as a broker-fatal error.
func Fatal(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrBrokerFatal, op, err)
}

// Record is one message pulled from the topic.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	// ID carries the broker-native identifier when offsets are not numeric.
	ID    string
	Key   []byte
	Value []byte

	raw any
}

// Batch is the unit returned by one Poll.
type Batch struct {
	Records []Record
}

// Len returns the number of records.
func (b Batch) Len() int { return len(b.Records) }

// Source is a consumer-group subscription on the durable topic.
type Source interface {
	// Poll blocks for the next batch. It returns ctx.Err() when ctx ends and a
	// broker-fatal error when the subscription is lost.
	Poll(ctx context.Context) (Batch, error)
	// Heartbeat tells the broker the in-flight batch is still being worked on.
	Heartbeat(ctx context.Context, batch Batch) error
	// Commit advances the group offsets past records.
	Commit(ctx context.Context, records []Record) error
	// Release ends the in-flight batch, allowing the broker to rebalance.
	Release()
	Close() error
}

// DeadLetterSink receives messages that exhausted their retries.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, rec Record, reason string) error
}
