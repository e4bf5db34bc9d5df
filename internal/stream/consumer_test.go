package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource replays scripted batches and records commits.
type fakeSource struct {
	mu         sync.Mutex
	batches    []Batch
	pollErr    error
	committed  []Record
	heartbeats int
	released   int
	closed     bool
	commitErr  error
}

func (f *fakeSource) Poll(ctx context.Context) (Batch, error) {
	f.mu.Lock()
	if len(f.batches) > 0 {
		b := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return b, nil
	}
	err := f.pollErr
	f.mu.Unlock()
	if err != nil {
		return Batch{}, err
	}
	<-ctx.Done()
	return Batch{}, ctx.Err()
}

func (f *fakeSource) Heartbeat(context.Context, Batch) error {
	f.mu.Lock()
	f.heartbeats++
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) Commit(_ context.Context, records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = append(f.committed, records...)
	return nil
}

func (f *fakeSource) Release() {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) snapshot() (committed []Record, heartbeats, released int, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Record(nil), f.committed...), f.heartbeats, f.released, f.closed
}

// fakeSink records persisted and published events and can fail on demand.
type fakeSink struct {
	mu           sync.Mutex
	persisted    []domain.LogEvent
	published    []domain.LogEvent
	persistFails map[string]int
	publishFails map[string]int
	delay        time.Duration
}

func (f *fakeSink) Persist(_ context.Context, ev domain.LogEvent) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistFails[ev.Log] > 0 {
		f.persistFails[ev.Log]--
		return errors.New("store unavailable")
	}
	f.persisted = append(f.persisted, ev)
	return nil
}

func (f *fakeSink) Publish(_ context.Context, ev domain.LogEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishFails[ev.Log] > 0 {
		f.publishFails[ev.Log]--
		return errors.New("hub unavailable")
	}
	f.published = append(f.published, ev)
	return nil
}

func (f *fakeSink) logs() (persisted, published []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.persisted {
		persisted = append(persisted, ev.Log)
	}
	for _, ev := range f.published {
		published = append(published, ev.Log)
	}
	return persisted, published
}

type fakeDeadLetter struct {
	mu      sync.Mutex
	records []Record
	reasons []string
}

func (f *fakeDeadLetter) DeadLetter(_ context.Context, rec Record, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	f.reasons = append(f.reasons, reason)
	return nil
}

func record(offset int64, value string) Record {
	return Record{Topic: DefaultTopic, Partition: 0, Offset: offset, Value: []byte(value)}
}

func fastConfig() Config {
	return Config{MaxAttempts: 3, RetryBase: time.Millisecond, RetryCap: 2 * time.Millisecond, HeartbeatInterval: time.Hour}
}

func runUntilDrained(t *testing.T, c *Consumer, src *fakeSource, want int) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool {
		committed, _, _, _ := src.snapshot()
		return len(committed) >= want
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
		return nil
	}
}

func TestConsumerPersistsPublishesAndCommits(t *testing.T) {
	src := &fakeSource{batches: []Batch{{Records: []Record{
		record(0, `{"PROJECT_ID":"p","DEPLOYMENT_ID":"d1","log":"Build started"}`),
		record(1, `not-json`),
		record(2, `{"PROJECT_ID":"p","DEPLOYEMENT_ID":"d1","log":"Cloning"}`),
	}}}}
	sink := &fakeSink{}
	c := NewConsumer(src, sink, nil, fastConfig(), discardLogger())

	require.NoError(t, runUntilDrained(t, c, src, 3))

	persisted, published := sink.logs()
	assert.Equal(t, []string{"Build started", "Cloning"}, persisted)
	assert.Equal(t, []string{"Build started", "Cloning"}, published)

	committed, _, released, closed := src.snapshot()
	require.Len(t, committed, 3)
	assert.Equal(t, int64(2), committed[2].Offset)
	assert.Equal(t, 1, released)
	assert.True(t, closed)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	first, second := sink.persisted[0], sink.persisted[1]
	assert.NotEqual(t, first.EventID, second.EventID)
	assert.True(t, second.Timestamp.After(first.Timestamp))
	assert.Equal(t, "d1", second.DeploymentID)
}

func TestConsumerRetriesTransientFailures(t *testing.T) {
	src := &fakeSource{batches: []Batch{{Records: []Record{
		record(0, `{"DEPLOYMENT_ID":"d1","log":"flaky"}`),
	}}}}
	sink := &fakeSink{persistFails: map[string]int{"flaky": 2}, publishFails: map[string]int{"flaky": 1}}
	dlq := &fakeDeadLetter{}
	c := NewConsumer(src, sink, dlq, fastConfig(), discardLogger())

	require.NoError(t, runUntilDrained(t, c, src, 1))

	persisted, published := sink.logs()
	assert.Equal(t, []string{"flaky"}, persisted, "persist succeeds once and is not repeated for a publish retry")
	assert.Equal(t, []string{"flaky"}, published)
	assert.Empty(t, dlq.records)
}

func TestConsumerDeadLettersPoisonMessageAndAdvances(t *testing.T) {
	src := &fakeSource{batches: []Batch{{Records: []Record{
		record(0, `{"DEPLOYMENT_ID":"d1","log":"poison"}`),
		record(1, `{"DEPLOYMENT_ID":"d1","log":"after"}`),
	}}}}
	sink := &fakeSink{persistFails: map[string]int{"poison": 100}}
	dlq := &fakeDeadLetter{}
	c := NewConsumer(src, sink, dlq, fastConfig(), discardLogger())

	require.NoError(t, runUntilDrained(t, c, src, 2))

	persisted, _ := sink.logs()
	assert.Equal(t, []string{"after"}, persisted)
	require.Len(t, dlq.records, 1)
	assert.Equal(t, int64(0), dlq.records[0].Offset)
	assert.Contains(t, dlq.reasons[0], "store unavailable")

	committed, _, _, _ := src.snapshot()
	assert.Len(t, committed, 2)
}

func TestConsumerBrokerErrorIsFatal(t *testing.T) {
	src := &fakeSource{pollErr: errors.New("connection reset")}
	c := NewConsumer(src, &fakeSink{}, nil, fastConfig(), discardLogger())

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBrokerFatal)

	committed, _, _, closed := src.snapshot()
	assert.Empty(t, committed)
	assert.True(t, closed)
}

func TestConsumerCommitFailureIsFatal(t *testing.T) {
	src := &fakeSource{
		batches:   []Batch{{Records: []Record{record(0, `{"DEPLOYMENT_ID":"d1","log":"x"}`)}}},
		commitErr: errors.New("not coordinator"),
	}
	c := NewConsumer(src, &fakeSink{}, nil, fastConfig(), discardLogger())

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrBrokerFatal)
}

func TestConsumerFinishesInFlightBatchOnShutdown(t *testing.T) {
	records := make([]Record, 20)
	for i := range records {
		records[i] = record(int64(i), `{"DEPLOYMENT_ID":"d1","log":"line"}`)
	}
	src := &fakeSource{batches: []Batch{{Records: records}}}
	sink := &fakeSink{delay: 5 * time.Millisecond}
	cfg := fastConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.CheckpointEvery = 5
	c := NewConsumer(src, sink, nil, cfg, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool {
		persisted, _ := sink.logs()
		return len(persisted) > 0
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	persisted, published := sink.logs()
	assert.Len(t, persisted, 20)
	assert.Len(t, published, 20)
	committed, heartbeats, _, closed := src.snapshot()
	assert.Len(t, committed, 20)
	assert.Positive(t, heartbeats)
	assert.True(t, closed)
}

func TestConsumerAppliesStatusEvents(t *testing.T) {
	src := &fakeSource{batches: []Batch{{Records: []Record{
		record(0, `{"DEPLOYMENT_ID":"d1","log":"Building","STATUS":"BUILDING"}`),
		record(1, `{"DEPLOYMENT_ID":"d1","log":"Failed","STATUS":"FAILED","ERROR":"exit 1"}`),
	}}}}
	type call struct {
		id     string
		status domain.DeploymentStatus
		reason string
	}
	var (
		mu    sync.Mutex
		calls []call
	)
	hook := func(_ context.Context, id string, status domain.DeploymentStatus, reason string) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, call{id, status, reason})
		return nil
	}
	c := NewConsumer(src, &fakeSink{}, nil, fastConfig(), discardLogger(), WithStatusHook(hook))

	require.NoError(t, runUntilDrained(t, c, src, 2))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []call{
		{"d1", domain.DeploymentBuilding, ""},
		{"d1", domain.DeploymentFailed, "exit 1"},
	}, calls)
}

func TestConsumerRetriesFailedStatusUpdate(t *testing.T) {
	src := &fakeSource{batches: []Batch{{Records: []Record{
		record(0, `{"DEPLOYMENT_ID":"d1","log":"Deployed","STATUS":"READY"}`),
	}}}}
	var (
		mu      sync.Mutex
		calls   int
		applied bool
	)
	hook := func(_ context.Context, _ string, status domain.DeploymentStatus, _ string) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("database unavailable")
		}
		applied = status == domain.DeploymentReady
		return nil
	}
	dlq := &fakeDeadLetter{}
	c := NewConsumer(src, &fakeSink{}, dlq, fastConfig(), discardLogger(), WithStatusHook(hook))

	require.NoError(t, runUntilDrained(t, c, src, 1))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
	assert.True(t, applied)
	assert.Empty(t, dlq.records)
}

func TestConsumerDeadLettersUnappliedStatus(t *testing.T) {
	src := &fakeSource{batches: []Batch{{Records: []Record{
		record(0, `{"DEPLOYMENT_ID":"d1","log":"Deployed","STATUS":"READY"}`),
	}}}}
	var calls int
	hook := func(context.Context, string, domain.DeploymentStatus, string) error {
		calls++
		return errors.New("database unavailable")
	}
	dlq := &fakeDeadLetter{}
	c := NewConsumer(src, &fakeSink{}, dlq, fastConfig(), discardLogger(), WithStatusHook(hook))

	require.NoError(t, runUntilDrained(t, c, src, 1))

	assert.Equal(t, fastConfig().MaxAttempts, calls)
	require.Len(t, dlq.records, 1)
	assert.Contains(t, dlq.reasons[0], "status READY")
}

func TestConsumerSkipsInvalidStatusTransition(t *testing.T) {
	src := &fakeSource{batches: []Batch{{Records: []Record{
		record(0, `{"DEPLOYMENT_ID":"d1","log":"late","STATUS":"BUILDING"}`),
	}}}}
	var calls int
	hook := func(context.Context, string, domain.DeploymentStatus, string) error {
		calls++
		return repository.ErrInvalidTransition
	}
	dlq := &fakeDeadLetter{}
	c := NewConsumer(src, &fakeSink{}, dlq, fastConfig(), discardLogger(), WithStatusHook(hook))

	require.NoError(t, runUntilDrained(t, c, src, 1))

	assert.Equal(t, 1, calls)
	assert.Empty(t, dlq.records)
}

func TestMonotonicClock(t *testing.T) {
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newMonotonicClock(func() time.Time { return fixed })
	a, b, c := clock.Next(), clock.Next(), clock.Next()
	assert.Equal(t, fixed, a)
	assert.True(t, b.After(a))
	assert.True(t, c.After(b))
}
