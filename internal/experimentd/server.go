package experimentd

import (
	"context"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/experimentd/internal/common/health"
	"github.com/G-Research/experimentd/internal/common/pulsarutils"
	"github.com/G-Research/experimentd/internal/common/task"
	"github.com/G-Research/experimentd/internal/common/util"
	"github.com/G-Research/experimentd/internal/experimentd/auxiliary"
	"github.com/G-Research/experimentd/internal/experimentd/commands"
	"github.com/G-Research/experimentd/internal/experimentd/configuration"
	"github.com/G-Research/experimentd/internal/experimentd/dispatch"
	"github.com/G-Research/experimentd/internal/experimentd/events"
	"github.com/G-Research/experimentd/internal/experimentd/lifecycle"
	"github.com/G-Research/experimentd/internal/experimentd/metrics"
	"github.com/G-Research/experimentd/internal/experimentd/ports"
	"github.com/G-Research/experimentd/internal/experimentd/repository"
	"github.com/G-Research/experimentd/internal/experimentd/restart"
	"github.com/G-Research/experimentd/internal/experimentd/scheduler"
	"github.com/G-Research/experimentd/internal/experimentd/storage"
)

func Serve(ctx context.Context, config *configuration.ExperimentdConfig, healthChecks *health.MultiChecker) error {
	log.Info("experimentd starting")
	defer log.Info("experimentd shutting down")

	// We call startupCompleteCheck.MarkComplete() when all services have been started.
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks.Add("startup", startupCompleteCheck)

	// Run all services within an errgroup to propagate errors between services.
	// Defer cancelling the parent context to ensure the errgroup is cancelled on return.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// Services are only started once everything has been built.
	var services []func() error

	clock := &util.DefaultClock{}
	closers := &util.Closers{}
	defer closers.CloseAll()

	// Setup Redis
	var db redis.UniversalClient
	if config.UsesRedis() {
		db = redis.NewUniversalClient(config.Redis.AsUniversalOptions())
		closers.Add("redis", db)

		// Port claims and descriptors live in redis, so nothing can start without it.
		err := util.RetryUntilSuccess(ctx, 2*time.Second,
			func() error { return repository.HealthCheck(db) },
			func(err error) { log.WithError(err).Warn("Waiting for redis") },
		)
		if err != nil {
			return err
		}
		healthChecks.Add("redis", health.FuncChecker(func() error { return repository.HealthCheck(db) }))
	}

	// Setup Pulsar
	var pulsarClient pulsar.Client
	var sinks []events.Sink
	if config.UsesPulsar() {
		client, err := pulsarutils.NewPulsarClient(&config.Pulsar)
		if err != nil {
			return errors.WithMessage(err, "error creating pulsar client")
		}
		pulsarClient = client
		closers.AddFunc("pulsar client", pulsarClient.Close)

		if config.UsesSink(configuration.SinkPulsar) {
			producer, err := pulsarutils.NewEventsProducer(pulsarClient, &config.Pulsar)
			if err != nil {
				return errors.WithMessage(err, "error creating pulsar producer")
			}
			closers.AddFunc("pulsar producer", producer.Close)
			sinks = append(sinks, events.NewPulsarSink(producer))
		}
	}

	for _, sink := range config.Events.Sinks {
		switch sink {
		case configuration.SinkLog:
			sinks = append(sinks, events.NewLogSink(log.WithField("component", "events")))
		case configuration.SinkRedis:
			sinks = append(sinks, events.NewRedisSink(db, config.Events.StreamRetention))
		}
	}

	var eventStore events.EventStore
	switch config.Events.Persist {
	case configuration.PersistPostgres:
		store, err := events.OpenPostgresStore(ctx, config.Postgres)
		if err != nil {
			return err
		}
		closers.AddFunc("postgres", store.Close)
		healthChecks.Add("postgres", store)
		eventStore = store
	default:
		eventStore = events.NewInMemoryEventStore()
	}
	sinks = append(sinks, events.NewPersistSink(eventStore))

	publisher := events.NewAsyncPublisher(config.Events.BufferSize, sinks...)
	services = append(services, func() error { return publisher.Run(ctx) })

	// Outputs storage
	var outputs storage.Storage
	switch config.Storage.Backend {
	case configuration.StorageS3:
		s3Storage, err := storage.NewS3StorageFromConfig(ctx, config.Storage.S3)
		if err != nil {
			return err
		}
		outputs = s3Storage
	default:
		outputs = storage.NewLocalStorage(config.Storage.OutputsRoot)
	}

	// Experiments
	experimentRepository, err := repository.NewMemExperimentRepository()
	if err != nil {
		return err
	}
	coordinator := restart.NewCoordinator(outputs, publisher, clock)
	machine := lifecycle.NewMachine(experimentRepository, coordinator, publisher, clock, config.Storage.OutputsRoot)

	// Auxiliary services
	kubernetesClient, err := scheduler.NewKubernetesClient(config.Kubernetes.Kubeconfig)
	if err != nil {
		return err
	}
	clusterScheduler, err := scheduler.NewKubernetesScheduler(kubernetesClient, config)
	if err != nil {
		return err
	}

	var serviceRepository repository.ServiceRepository
	if config.Services.Store == configuration.BackendRedis {
		serviceRepository = repository.NewRedisServiceRepository(db)
	} else {
		serviceRepository, err = repository.NewMemServiceRepository()
		if err != nil {
			return err
		}
	}

	portRanges := ports.Ranges(config.Ports.Tensorboard, config.Ports.Notebook)
	var allocator ports.PortAllocator
	if config.Ports.Backend == configuration.BackendRedis {
		allocator = ports.NewRedisAllocator(db, portRanges)
	} else {
		allocator = ports.NewAllocator(portRanges)
	}

	dispatcher := dispatch.NewDispatcher(clusterScheduler, config.Queue)
	manager := auxiliary.NewManager(
		serviceRepository,
		allocator,
		dispatcher,
		clusterScheduler,
		config.Images.Tensorboard,
		config.Services.AddressCacheTTL,
		clock,
	)
	dispatcher.OnFailure(manager.HandleCommandFailure)
	services = append(services, func() error { return dispatcher.Run(ctx) })

	// Descriptors outlive the process but in-memory port claims don't.
	if err := manager.RestorePorts(ctx); err != nil {
		return err
	}

	if config.Commands.Enabled {
		consumer, err := pulsarutils.NewCommandsConsumer(pulsarClient, &config.Pulsar)
		if err != nil {
			return errors.WithMessage(err, "error creating pulsar consumer")
		}
		closers.AddFunc("pulsar consumer", consumer.Close)
		commandConsumer := commands.NewConsumer(consumer, machine, manager)
		services = append(services, func() error { return commandConsumer.Run(ctx) })
	}

	taskManager := task.NewBackgroundTaskManager(metrics.MetricPrefix, nil)
	taskManager.Register(manager.RecordPortUsage, config.Ports.UsageInterval, "ports_in_use")
	defer func() {
		if timeout := taskManager.StopAll(5 * time.Second); timeout {
			log.Warn("Timed out waiting for background tasks to stop")
		}
	}()

	// Start all services and wait for them to complete
	for _, service := range services {
		g.Go(service)
	}
	startupCompleteCheck.MarkComplete()
	return g.Wait()
}
