package commands

import (
	"context"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/experimentd/internal/common/logging"
	"github.com/G-Research/experimentd/internal/experimentd/auxiliary"
	"github.com/G-Research/experimentd/internal/experimentd/domain"
)

// Experiments is the part of the lifecycle machine driven by commands.
type Experiments interface {
	Create(ctx context.Context, experiment *domain.Experiment, jobs ...*domain.Job) (*domain.Experiment, error)
	Start(ctx context.Context, experimentId string) (*domain.Experiment, error)
	Stop(ctx context.Context, experimentId string) (*domain.Experiment, error)
	Restart(ctx context.Context, originalId, name string) (*domain.Experiment, error)
	Transition(ctx context.Context, experimentId string, to domain.Status) (*domain.Experiment, error)
	UpdateJobStatus(ctx context.Context, experimentId, jobId string, to domain.Status) (*domain.Experiment, error)
}

// Services is the part of the auxiliary service manager driven by commands.
type Services interface {
	Start(ctx context.Context, project domain.Project, serviceType domain.ServiceType, payload []byte) (auxiliary.Acceptance, error)
	Stop(ctx context.Context, project domain.Project, serviceType domain.ServiceType) (auxiliary.Acceptance, error)
}

// Consumer reads commands from a pulsar subscription and applies them.
// Every message is acked once handled, including malformed ones and ones whose command failed,
// since redelivering them would fail the same way.
type Consumer struct {
	consumer    pulsar.Consumer
	experiments Experiments
	services    Services
	// experiment starts run in the background so that a stop can interrupt a restart copy
	starts sync.WaitGroup
	logger *log.Entry
}

func NewConsumer(consumer pulsar.Consumer, experiments Experiments, services Services) *Consumer {
	return &Consumer{
		consumer:    consumer,
		experiments: experiments,
		services:    services,
		logger:      logging.ForComponent("commands"),
	}
}

// Run consumes until ctx is cancelled, then waits for experiment starts in progress.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.starts.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		receiveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		msg, err := c.consumer.Receive(receiveCtx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			continue
		}
		if err != nil {
			logging.WithStacktrace(c.logger, err).Warn("Pulsar receive failed; backing off")
			time.Sleep(100 * time.Millisecond)
			continue
		}

		messageLogger := c.logger.WithField("messageId", msg.ID())
		if err := c.handleMessage(ctx, msg.Payload()); err != nil {
			logging.WithStacktrace(messageLogger, err).Warn("Processing command failed; ignoring")
		}
		c.consumer.Ack(msg)
	}
}

func (c *Consumer) handleMessage(ctx context.Context, payload []byte) error {
	command, err := Unmarshal(payload)
	if err != nil {
		return err
	}
	return c.handle(ctx, command)
}

func (c *Consumer) handle(ctx context.Context, command *Command) error {
	logger := c.logger.WithField("action", command.Action)
	switch command.Action {
	case CreateExperiment:
		jobs := make([]*domain.Job, len(command.Jobs))
		for i, role := range command.Jobs {
			jobs[i] = &domain.Job{Role: role}
		}
		experiment, err := c.experiments.Create(ctx, &domain.Experiment{
			Name:    command.Experiment,
			Project: command.project(),
		}, jobs...)
		if err != nil {
			return err
		}
		logger.WithField("experiment", experiment.Id).Info("Created experiment")
	case StartExperiment:
		c.starts.Add(1)
		go func() {
			defer c.starts.Done()
			experiment, err := c.experiments.Start(ctx, command.Experiment)
			if err != nil {
				logging.WithStacktrace(logger, err).WithField("experiment", command.Experiment).Warn("Experiment start failed")
				return
			}
			logger.WithField("experiment", experiment.Id).Infof("Experiment is %s", experiment.Status)
		}()
	case StopExperiment:
		_, err := c.experiments.Stop(ctx, command.Experiment)
		return err
	case RestartExperiment:
		experiment, err := c.experiments.Restart(ctx, command.Original, command.Name)
		if err != nil {
			return err
		}
		logger.WithFields(log.Fields{"experiment": experiment.Id, "original": command.Original}).Info("Created restart")
	case ExperimentStatus:
		_, err := c.experiments.Transition(ctx, command.Experiment, command.Status)
		return err
	case JobStatus:
		_, err := c.experiments.UpdateJobStatus(ctx, command.Experiment, command.Job, command.Status)
		return err
	case StartService:
		acceptance, err := c.services.Start(ctx, command.project(), domain.ServiceType(command.Service), command.Payload)
		if err != nil {
			return err
		}
		if acceptance.Skipped {
			logger.WithField("service", acceptance.Descriptor.Key().String()).Info("Service already running")
		}
	case StopService:
		_, err := c.services.Stop(ctx, command.project(), domain.ServiceType(command.Service))
		return err
	default:
		return errors.Errorf("unknown action %q", command.Action)
	}
	return nil
}
