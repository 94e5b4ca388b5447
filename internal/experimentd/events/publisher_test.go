package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/experimentd/internal/experimentd/domain"
)

type recordingSink struct {
	mu      sync.Mutex
	events  []domain.LogEvent
	block   chan struct{}
	failing bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(_ context.Context, event domain.LogEvent) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if s.failing {
		return errors.New("sink down")
	}
	return nil
}

func (s *recordingSink) received() []domain.LogEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.LogEvent{}, s.events...)
}

func testEvent(line string, persist bool) domain.LogEvent {
	return domain.LogEvent{
		Line:           line,
		Status:         domain.Building,
		ExperimentId:   "e1",
		ExperimentName: "exp-a",
		JobId:          domain.JobAll,
		Persist:        persist,
		Timestamp:      time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestAsyncPublisher_ForwardsInOrderToEverySink(t *testing.T) {
	first := &recordingSink{}
	second := &recordingSink{failing: true}
	publisher := NewAsyncPublisher(10, first, second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = publisher.Run(ctx) }()

	for _, line := range []string{"one", "two", "three"} {
		publisher.Publish(ctx, testEvent(line, false))
	}

	assert.Eventually(t, func() bool { return len(first.received()) == 3 }, time.Second, time.Millisecond)
	lines := []string{}
	for _, e := range first.received() {
		lines = append(lines, e.Line)
	}
	assert.Equal(t, []string{"one", "two", "three"}, lines)
	// a failing sink doesn't stop the others
	assert.Len(t, second.received(), 3)

	cancel()
	<-publisher.Done()
}

func TestAsyncPublisher_PublishNeverBlocks(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	publisher := NewAsyncPublisher(1, sink)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = publisher.Run(ctx) }()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			publisher.Publish(ctx, testEvent("line", false))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stuck sink")
	}
	close(sink.block)
	cancel()
	<-publisher.Done()
	assert.Less(t, len(sink.received()), 100)
}

func TestAsyncPublisher_DrainsOnShutdown(t *testing.T) {
	sink := &recordingSink{}
	publisher := NewAsyncPublisher(10, sink)
	publisher.Publish(context.Background(), testEvent("buffered", false))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, publisher.Run(ctx))
	assert.Len(t, sink.received(), 1)
}

func TestPersistSink_OnlyStoresPersistedEvents(t *testing.T) {
	store := NewInMemoryEventStore()
	sink := NewPersistSink(store)
	ctx := context.Background()

	require.NoError(t, sink.Send(ctx, testEvent("kept", true)))
	require.NoError(t, sink.Send(ctx, testEvent("skipped", false)))

	stored, err := store.Events(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "kept", stored[0].Line)
}

func TestLogSink(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sink := NewLogSink(logrus.NewEntry(logger))

	require.NoError(t, sink.Send(context.Background(), testEvent("copying", true)))

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "copying", hook.LastEntry().Message)
	assert.Equal(t, "exp-a", hook.LastEntry().Data["experiment"])
}

type fakeProducer struct {
	messages []*pulsar.ProducerMessage
	err      error
}

func (p *fakeProducer) Send(_ context.Context, msg *pulsar.ProducerMessage) (pulsar.MessageID, error) {
	p.messages = append(p.messages, msg)
	return nil, p.err
}

func TestPulsarSink(t *testing.T) {
	producer := &fakeProducer{}
	sink := NewPulsarSink(producer)

	require.NoError(t, sink.Send(context.Background(), testEvent("copying", true)))

	require.Len(t, producer.messages, 1)
	msg := producer.messages[0]
	assert.Equal(t, "e1", msg.Key)
	assert.Equal(t, "building", msg.Properties["status"])
	assert.JSONEq(t,
		`{"line":"copying","status":"building","experimentId":"e1","experimentName":"exp-a","jobId":"all","persist":true,"timestamp":"2020-01-01T00:00:00Z"}`,
		string(msg.Payload))

	producer.err = errors.New("broker unavailable")
	assert.Error(t, sink.Send(context.Background(), testEvent("copying", true)))
}
