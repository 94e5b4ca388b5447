package dispatch

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/experimentd/internal/common/logging"
	"github.com/G-Research/experimentd/internal/experimentd/configuration"
	"github.com/G-Research/experimentd/internal/experimentd/domain"
	"github.com/G-Research/experimentd/internal/experimentd/metrics"
)

type Kind string

const (
	Launch    Kind = "launch"
	Terminate Kind = "terminate"
)

type Command struct {
	Kind       Kind
	Descriptor *domain.ServiceDescriptor
}

// Executor carries out commands against the cluster.
type Executor interface {
	Launch(ctx context.Context, descriptor *domain.ServiceDescriptor) error
	Terminate(ctx context.Context, descriptor *domain.ServiceDescriptor) error
}

// FailureHandler is called once a command has failed every attempt. It runs on its own goroutine,
// so it may take locks held by callers blocked in Enqueue.
type FailureHandler func(ctx context.Context, command Command, err error)

// Dispatcher runs commands asynchronously on a fixed set of workers. Commands for the same
// project and service type always go to the same worker, so they are executed in the order they were enqueued.
type Dispatcher struct {
	shards      []chan Command
	executor    Executor
	maxAttempts uint
	retryDelay  time.Duration
	onFailure   FailureHandler
	// failure handlers in flight
	handlers sync.WaitGroup
	logger   *log.Entry
}

func NewDispatcher(executor Executor, config configuration.QueueConfig) *Dispatcher {
	workers := config.Workers
	if workers < 1 {
		workers = 1
	}
	shards := make([]chan Command, workers)
	for i := range shards {
		shards[i] = make(chan Command, config.Depth)
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Dispatcher{
		shards:      shards,
		executor:    executor,
		maxAttempts: maxAttempts,
		retryDelay:  config.RetryDelay,
		onFailure:   func(context.Context, Command, error) {},
		logger:      logging.ForComponent("dispatcher"),
	}
}

// OnFailure sets the handler of commands that failed every attempt. Must be called before Run.
func (d *Dispatcher) OnFailure(handler FailureHandler) {
	d.onFailure = handler
}

// Enqueue adds command to the queue of its key. It only blocks if that queue is full.
func (d *Dispatcher) Enqueue(ctx context.Context, command Command) error {
	if command.Descriptor == nil {
		return errors.New("command has no service descriptor")
	}
	shard := d.shards[d.shardOf(command.Descriptor.Key())]
	select {
	case shard <- command:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "could not enqueue %s of %s", command.Kind, command.Descriptor.Key())
	}
}

func (d *Dispatcher) shardOf(key domain.ServiceKey) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return int(h.Sum32() % uint32(len(d.shards)))
}

// Run starts one worker per shard and blocks until ctx is cancelled, every worker has finished
// the command it was executing and every failure handler has returned. Commands still queued at that point are dropped.
func (d *Dispatcher) Run(ctx context.Context) error {
	wg := sync.WaitGroup{}
	for i, shard := range d.shards {
		wg.Add(1)
		go func(i int, shard chan Command) {
			defer wg.Done()
			d.work(ctx, shard)
		}(i, shard)
	}
	wg.Wait()
	d.handlers.Wait()
	for _, shard := range d.shards {
		if n := len(shard); n > 0 {
			d.logger.Warnf("Dropping %d queued commands on shutdown", n)
		}
	}
	return nil
}

func (d *Dispatcher) work(ctx context.Context, shard chan Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case command := <-shard:
			d.execute(ctx, command)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, command Command) {
	logger := d.logger.WithFields(log.Fields{
		"command": command.Kind,
		"service": command.Descriptor.Key().String(),
	})
	var action func(context.Context, *domain.ServiceDescriptor) error
	switch command.Kind {
	case Launch:
		action = d.executor.Launch
	case Terminate:
		action = d.executor.Terminate
	default:
		logger.Errorf("Ignoring unknown command %q", command.Kind)
		return
	}
	err := retry.Do(
		func() error { return action(ctx, command.Descriptor) },
		retry.Attempts(d.maxAttempts),
		retry.Delay(d.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.WithError(err).Warnf("Attempt %d failed", n+1)
		}),
	)
	metrics.RecordServiceCommand(string(command.Kind), command.Descriptor.Type, err)
	if err != nil {
		logging.WithStacktrace(logger, err).Error("Command failed")
		d.handlers.Add(1)
		go func() {
			defer d.handlers.Done()
			d.onFailure(ctx, command, err)
		}()
		return
	}
	logger.Infof("%s of %s on port %d done", command.Kind, command.Descriptor.Name(), command.Descriptor.Port)
}
