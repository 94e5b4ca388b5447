package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/experimentd/internal/experimentd/domain"
)

const eventStreamPrefix = "Events:"

// LogSink writes every event to the process log.
type LogSink struct {
	logger *log.Entry
}

func NewLogSink(logger *log.Entry) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, event domain.LogEvent) error {
	s.logger.WithFields(log.Fields{
		"experiment": event.ExperimentName,
		"job":        event.JobId,
		"status":     event.Status,
		"persist":    event.Persist,
	}).Info(event.Line)
	return nil
}

// Producer is the part of pulsar.Producer used to publish events.
type Producer interface {
	Send(ctx context.Context, msg *pulsar.ProducerMessage) (pulsar.MessageID, error)
}

// PulsarSink publishes events as JSON, keyed by experiment id so that the events of an experiment
// stay ordered within a partition.
type PulsarSink struct {
	producer Producer
}

func NewPulsarSink(producer Producer) *PulsarSink {
	return &PulsarSink{producer: producer}
}

func (s *PulsarSink) Name() string { return "pulsar" }

func (s *PulsarSink) Send(ctx context.Context, event domain.LogEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = s.producer.Send(ctx, &pulsar.ProducerMessage{
		Key:        event.ExperimentId,
		Payload:    payload,
		Properties: map[string]string{"status": string(event.Status), "jobId": event.JobId},
		EventTime:  event.Timestamp,
	})
	return errors.Wrapf(err, "failed to publish event of experiment %s", event.ExperimentName)
}

// RedisSink appends events to a per-experiment stream which expires after retention.
type RedisSink struct {
	db        redis.UniversalClient
	retention time.Duration
}

func NewRedisSink(db redis.UniversalClient, retention time.Duration) *RedisSink {
	return &RedisSink{db: db, retention: retention}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(_ context.Context, event domain.LogEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.WithStack(err)
	}
	key := eventStreamPrefix + event.ExperimentId
	pipe := s.db.TxPipeline()
	pipe.XAdd(&redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{"event": payload},
	})
	if s.retention > 0 {
		pipe.Expire(key, s.retention)
	}
	_, err = pipe.Exec()
	return errors.WithStack(err)
}

// ReadStream returns every event stored for an experiment, oldest first.
func (s *RedisSink) ReadStream(experimentId string) ([]domain.LogEvent, error) {
	messages, err := s.db.XRange(eventStreamPrefix+experimentId, "-", "+").Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]domain.LogEvent, 0, len(messages))
	for _, m := range messages {
		raw, ok := m.Values["event"].(string)
		if !ok {
			continue
		}
		var event domain.LogEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, errors.WithStack(err)
		}
		result = append(result, event)
	}
	return result, nil
}

// PersistSink stores the events flagged persist and ignores the rest.
type PersistSink struct {
	store EventStore
}

func NewPersistSink(store EventStore) *PersistSink {
	return &PersistSink{store: store}
}

func (s *PersistSink) Name() string { return "persist" }

func (s *PersistSink) Send(ctx context.Context, event domain.LogEvent) error {
	if !event.Persist {
		return nil
	}
	return s.store.Store(ctx, event)
}
