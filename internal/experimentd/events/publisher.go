package events

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/experimentd/internal/common/logging"
	"github.com/G-Research/experimentd/internal/experimentd/domain"
	"github.com/G-Research/experimentd/internal/experimentd/metrics"
)

// Publisher forwards log events. Publish must never block the caller.
type Publisher interface {
	Publish(ctx context.Context, event domain.LogEvent)
}

// Sink is a destination for log events.
type Sink interface {
	Name() string
	Send(ctx context.Context, event domain.LogEvent) error
}

// AsyncPublisher buffers events on a channel and fans them out to every sink from a single goroutine,
// so events of one experiment reach each sink in the order they were published.
// When the buffer is full the event is dropped and counted.
type AsyncPublisher struct {
	events chan domain.LogEvent
	sinks  []Sink
	done   chan struct{}
	once   sync.Once
	logger *log.Entry
}

func NewAsyncPublisher(bufferSize int, sinks ...Sink) *AsyncPublisher {
	return &AsyncPublisher{
		events: make(chan domain.LogEvent, bufferSize),
		sinks:  sinks,
		done:   make(chan struct{}),
		logger: logging.ForComponent("publisher"),
	}
}

func (p *AsyncPublisher) Publish(_ context.Context, event domain.LogEvent) {
	select {
	case p.events <- event:
	default:
		metrics.RecordDroppedEvent()
		p.logger.WithField("experiment", event.ExperimentName).Warnf("Event buffer full, dropping event: %s", event.Line)
	}
}

// Run forwards buffered events until ctx is cancelled, then sends whatever is still buffered and returns.
func (p *AsyncPublisher) Run(ctx context.Context) error {
	defer p.once.Do(func() { close(p.done) })
	for {
		select {
		case event := <-p.events:
			p.forward(ctx, event)
		case <-ctx.Done():
			p.drain()
			return nil
		}
	}
}

// Done is closed once Run has returned.
func (p *AsyncPublisher) Done() <-chan struct{} {
	return p.done
}

func (p *AsyncPublisher) drain() {
	// the run context is gone, sinks still get a chance to send what was accepted
	ctx := context.Background()
	for {
		select {
		case event := <-p.events:
			p.forward(ctx, event)
		default:
			return
		}
	}
}

func (p *AsyncPublisher) forward(ctx context.Context, event domain.LogEvent) {
	for _, sink := range p.sinks {
		if err := sink.Send(ctx, event); err != nil {
			metrics.RecordSinkError(sink.Name())
			logging.WithStacktrace(p.logger.WithField("sink", sink.Name()), err).Error("Failed to forward event")
		}
	}
}
