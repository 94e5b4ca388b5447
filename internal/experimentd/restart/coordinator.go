package restart

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/experimentd/internal/common/logging"
	"github.com/G-Research/experimentd/internal/common/util"
	"github.com/G-Research/experimentd/internal/experimentd/domain"
	"github.com/G-Research/experimentd/internal/experimentd/events"
	"github.com/G-Research/experimentd/internal/experimentd/metrics"
	"github.com/G-Research/experimentd/internal/experimentd/storage"
)

// Result is the outcome of copying the outputs of a restarted experiment.
// Err is set when the copy failed; it is informational and never meant to fail the restart.
type Result struct {
	Copied bool
	Err    error
}

// Coordinator copies the outputs of the original experiment into a restarted one.
// The copy is best effort: a storage failure is reported through two persisted events and a
// warning, and the experiment carries on without the outputs. There is no retry and no rollback.
type Coordinator struct {
	storage   storage.Storage
	publisher events.Publisher
	clock     util.Clock
	logger    *log.Entry
}

func NewCoordinator(storage storage.Storage, publisher events.Publisher, clock util.Clock) *Coordinator {
	return &Coordinator{
		storage:   storage,
		publisher: publisher,
		clock:     clock,
		logger:    logging.ForComponent("restart"),
	}
}

// HandleRestart must only be called for experiments with an original, and never with a lock held on either
// experiment since the copy blocks for as long as the storage takes.
func (c *Coordinator) HandleRestart(ctx context.Context, experiment, original *domain.Experiment) Result {
	if original == nil || !experiment.IsRestart() || experiment.OriginalExperimentId != original.Id {
		return Result{Err: errors.Errorf("experiment %s is not a restart of the given experiment", experiment.Name)}
	}

	c.publish(ctx, experiment, fmt.Sprintf(
		"Copying outputs from experiment `%s` into experiment `%s`", original.Name, experiment.Name))

	err := c.storage.CopyOutputs(ctx, original.Name, experiment.Name)
	metrics.RecordRestartCopy(err == nil)
	if err != nil {
		c.publish(ctx, experiment, fmt.Sprintf(
			"Could not copy the outputs of experiment `%s` into experiment `%s`", original.Name, experiment.Name))
		logging.WithStacktrace(c.logger.WithFields(log.Fields{
			"experiment": experiment.Name,
			"original":   original.Name,
		}), err).Warn("Could not copy outputs of restarted experiment")
		return Result{Copied: false, Err: err}
	}
	return Result{Copied: true}
}

func (c *Coordinator) publish(ctx context.Context, experiment *domain.Experiment, line string) {
	c.publisher.Publish(ctx, domain.LogEvent{
		Line:           line,
		Status:         domain.Building,
		ExperimentId:   experiment.Id,
		ExperimentName: experiment.Name,
		JobId:          domain.JobAll,
		Persist:        true,
		Timestamp:      c.clock.Now(),
	})
}
