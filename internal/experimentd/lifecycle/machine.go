package lifecycle

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/experimentd/internal/common/experrors"
	"github.com/G-Research/experimentd/internal/common/logging"
	"github.com/G-Research/experimentd/internal/common/util"
	"github.com/G-Research/experimentd/internal/experimentd/domain"
	"github.com/G-Research/experimentd/internal/experimentd/events"
	"github.com/G-Research/experimentd/internal/experimentd/metrics"
	"github.com/G-Research/experimentd/internal/experimentd/repository"
	"github.com/G-Research/experimentd/internal/experimentd/restart"
)

// RestartHandler copies the outputs of the original of a restarted experiment.
type RestartHandler interface {
	HandleRestart(ctx context.Context, experiment, original *domain.Experiment) restart.Result
}

// Precondition is checked while an experiment is Building. An error fails the experiment.
type Precondition func(ctx context.Context, experiment *domain.Experiment) error

// Machine applies lifecycle transitions to experiments and their jobs.
//
// Each experiment is guarded by its own lock. Start releases that lock while preconditions run
// (including the restart output copy) so that a Stop can get through; if it does, Stop wins and
// Start leaves the experiment Stopped.
type Machine struct {
	repo          repository.ExperimentRepository
	restarts      RestartHandler
	publisher     events.Publisher
	clock         util.Clock
	outputsRoot   string
	preconditions []Precondition
	locks         *util.KeyedMutex
	// ids of experiments whose preconditions are running; they can't be moved to Running by anyone else
	preparingMu sync.Mutex
	preparing   map[string]bool
	logger      *log.Entry
}

func NewMachine(
	repo repository.ExperimentRepository,
	restarts RestartHandler,
	publisher events.Publisher,
	clock util.Clock,
	outputsRoot string,
	preconditions ...Precondition,
) *Machine {
	return &Machine{
		repo:          repo,
		restarts:      restarts,
		publisher:     publisher,
		clock:         clock,
		outputsRoot:   outputsRoot,
		preconditions: preconditions,
		locks:         util.NewKeyedMutex(),
		preparing:     map[string]bool{},
		logger:        logging.ForComponent("lifecycle"),
	}
}

// Create stores experiment, and its jobs, in the Created state. Missing ids are generated.
func (m *Machine) Create(ctx context.Context, experiment *domain.Experiment, jobs ...*domain.Job) (*domain.Experiment, error) {
	if err := experiment.Project.Validate(); err != nil {
		return nil, err
	}
	// the name is a directory under the outputs root
	if err := domain.ValidateName("name", experiment.Name); err != nil {
		return nil, err
	}
	if experiment.IsRestart() {
		if _, err := m.repo.GetExperiment(experiment.OriginalExperimentId); err != nil {
			return nil, err
		}
	}
	now := m.clock.Now()
	e := *experiment
	if e.Id == "" {
		e.Id = util.NewUUID()
	}
	if e.OutputsPath == "" && m.outputsRoot != "" {
		e.OutputsPath = path.Join(m.outputsRoot, e.Name)
	}
	e.Status = domain.Created
	e.CreatedAt = now
	e.UpdatedAt = now

	stored := make([]*domain.Job, len(jobs))
	for i, job := range jobs {
		j := *job
		if j.Id == "" {
			j.Id = util.NewUUID()
		}
		j.ExperimentId = e.Id
		j.Status = domain.Created
		j.UpdatedAt = now
		stored[i] = &j
	}
	if err := m.repo.CreateExperiment(&e, stored); err != nil {
		return nil, err
	}
	m.logger.WithField("experiment", e.Name).Infof("Created experiment %s with %d jobs", e.Id, len(stored))
	m.publishStatus(ctx, &e)
	return &e, nil
}

// Restart creates a new experiment continuing from originalId. Its outputs are copied when it is started.
func (m *Machine) Restart(ctx context.Context, originalId, name string) (*domain.Experiment, error) {
	original, err := m.repo.GetExperiment(originalId)
	if err != nil {
		return nil, err
	}
	originalJobs, err := m.repo.GetJobs(originalId)
	if err != nil {
		return nil, err
	}
	if name == "" {
		suffix := "-restart-" + util.NewUUID()[:8]
		base := original.Name
		if len(base)+len(suffix) > domain.MaxNameLength {
			base = base[:domain.MaxNameLength-len(suffix)]
		}
		name = base + suffix
	}
	jobs := make([]*domain.Job, len(originalJobs))
	for i, job := range originalJobs {
		jobs[i] = &domain.Job{Role: job.Role}
	}
	return m.Create(ctx, &domain.Experiment{
		Name:                 name,
		Project:              original.Project,
		OriginalExperimentId: original.Id,
	}, jobs...)
}

// Start moves a Created experiment to Building, runs its preconditions and then moves it to Running.
// If a precondition fails the experiment is Failed and the error returned. If the experiment was stopped
// while preconditions ran it is returned as Stopped, without error.
func (m *Machine) Start(ctx context.Context, experimentId string) (*domain.Experiment, error) {
	experiment, err := m.beginBuilding(ctx, experimentId)
	if err != nil {
		return nil, err
	}
	defer m.setPreparing(experimentId, false)

	preconditionErr := m.runPreconditions(ctx, experiment)

	unlock := m.locks.Lock(experimentId)
	defer unlock()
	current, err := m.repo.GetExperiment(experimentId)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.Building {
		// stopped, or otherwise finished, while preconditions ran
		m.logger.WithField("experiment", current.Name).Infof("Experiment became %s while starting", current.Status)
		return current, nil
	}
	if preconditionErr != nil {
		if _, err := m.apply(ctx, current, domain.Failed); err != nil {
			return nil, err
		}
		return nil, preconditionErr
	}
	return m.apply(ctx, current, domain.Running)
}

func (m *Machine) beginBuilding(ctx context.Context, experimentId string) (*domain.Experiment, error) {
	unlock := m.locks.Lock(experimentId)
	defer unlock()
	experiment, err := m.repo.GetExperiment(experimentId)
	if err != nil {
		return nil, err
	}
	// Start is only accepted once; Building -> Building is reserved for retries reported by the scheduler
	if experiment.Status != domain.Created {
		metrics.RecordRejectedTransition(kindExperiment, experiment.Status, domain.Building)
		return nil, errors.WithStack(&experrors.ErrInvalidTransition{
			Kind: kindExperiment, Id: experimentId, From: string(experiment.Status), To: string(domain.Building),
		})
	}
	experiment, err = m.apply(ctx, experiment, domain.Building)
	if err != nil {
		return nil, err
	}
	m.setPreparing(experimentId, true)
	return experiment, nil
}

func (m *Machine) runPreconditions(ctx context.Context, experiment *domain.Experiment) error {
	if experiment.IsRestart() {
		original, err := m.repo.GetExperiment(experiment.OriginalExperimentId)
		if err != nil {
			// the reference is weak; a deleted original just means there's nothing to copy
			logging.WithStacktrace(m.logger.WithField("experiment", experiment.Name), err).
				Warn("Original of restarted experiment not found, not copying outputs")
		} else {
			result := m.restarts.HandleRestart(ctx, experiment, original)
			if !result.Copied {
				m.logger.WithField("experiment", experiment.Name).Info("Starting restarted experiment without previous outputs")
			}
		}
	}
	for _, precondition := range m.preconditions {
		if err := precondition(ctx, experiment); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) setPreparing(experimentId string, preparing bool) {
	m.preparingMu.Lock()
	defer m.preparingMu.Unlock()
	if preparing {
		m.preparing[experimentId] = true
	} else {
		delete(m.preparing, experimentId)
	}
}

func (m *Machine) isPreparing(experimentId string) bool {
	m.preparingMu.Lock()
	defer m.preparingMu.Unlock()
	return m.preparing[experimentId]
}

// Stop cancels an experiment and every job of it that hasn't finished.
func (m *Machine) Stop(ctx context.Context, experimentId string) (*domain.Experiment, error) {
	return m.Transition(ctx, experimentId, domain.Stopped)
}

// Transition applies a status reported for the whole experiment, e.g. by the scheduler.
func (m *Machine) Transition(ctx context.Context, experimentId string, to domain.Status) (*domain.Experiment, error) {
	unlock := m.locks.Lock(experimentId)
	defer unlock()
	experiment, err := m.repo.GetExperiment(experimentId)
	if err != nil {
		return nil, err
	}
	if to == domain.Running && m.isPreparing(experimentId) {
		metrics.RecordRejectedTransition(kindExperiment, experiment.Status, to)
		return nil, errors.WithStack(&experrors.ErrInvalidTransition{
			Kind: kindExperiment, Id: experimentId, From: string(experiment.Status), To: string(to),
		})
	}
	return m.apply(ctx, experiment, to)
}

// UpdateJobStatus applies a status reported for a single job and derives the experiment status from its jobs:
// any failed job fails the experiment and the experiment succeeds once every job has succeeded.
func (m *Machine) UpdateJobStatus(ctx context.Context, experimentId, jobId string, to domain.Status) (*domain.Experiment, error) {
	unlock := m.locks.Lock(experimentId)
	defer unlock()
	experiment, err := m.repo.GetExperiment(experimentId)
	if err != nil {
		return nil, err
	}
	jobs, err := m.repo.GetJobs(experimentId)
	if err != nil {
		return nil, err
	}
	var job *domain.Job
	for _, j := range jobs {
		if j.Id == jobId {
			job = j
		}
	}
	if job == nil {
		return nil, errors.WithStack(&experrors.ErrNotFound{Type: "job", Value: jobId})
	}
	if err := checkTransition(kindJob, jobId, job.Status, to); err != nil {
		return nil, err
	}
	from := job.Status
	job.Status = to
	job.UpdatedAt = m.clock.Now()
	metrics.RecordTransition(kindJob, from, to)

	derived := deriveStatus(experiment.Status, jobs)
	if derived != experiment.Status && CanTransition(experiment.Status, derived) {
		// the job update is saved with the experiment; cascading terminal states doesn't concern it
		return m.applyWithJobs(ctx, experiment, derived, []*domain.Job{job}, jobs)
	}
	if err := m.repo.UpdateExperiment(experiment, job); err != nil {
		return nil, err
	}
	m.publishJobStatus(ctx, experiment, job)
	return experiment, nil
}

func deriveStatus(current domain.Status, jobs []*domain.Job) domain.Status {
	if len(jobs) == 0 {
		return current
	}
	succeeded := 0
	for _, job := range jobs {
		switch job.Status {
		case domain.Failed:
			return domain.Failed
		case domain.Succeeded:
			succeeded++
		}
	}
	if succeeded == len(jobs) {
		return domain.Succeeded
	}
	return current
}

// apply moves experiment to status; terminal statuses are cascaded to every job that hasn't finished.
func (m *Machine) apply(ctx context.Context, experiment *domain.Experiment, to domain.Status) (*domain.Experiment, error) {
	jobs, err := m.repo.GetJobs(experiment.Id)
	if err != nil {
		return nil, err
	}
	return m.applyWithJobs(ctx, experiment, to, nil, jobs)
}

func (m *Machine) applyWithJobs(
	ctx context.Context,
	experiment *domain.Experiment,
	to domain.Status,
	changed []*domain.Job,
	jobs []*domain.Job,
) (*domain.Experiment, error) {
	if err := checkTransition(kindExperiment, experiment.Id, experiment.Status, to); err != nil {
		return nil, err
	}
	now := m.clock.Now()
	from := experiment.Status
	e := *experiment
	e.Status = to
	e.UpdatedAt = now

	toSave := append([]*domain.Job{}, changed...)
	for _, job := range jobs {
		if isIn(job, changed) || job.Status.IsTerminal() {
			continue
		}
		if next, ok := cascadedJobStatus(job.Status, to); ok {
			job.Status = next
			job.UpdatedAt = now
			toSave = append(toSave, job)
		}
	}
	if err := m.repo.UpdateExperiment(&e, toSave...); err != nil {
		return nil, err
	}
	metrics.RecordTransition(kindExperiment, from, to)
	m.logger.WithField("experiment", e.Name).Infof("Experiment %s: %s -> %s", e.Id, from, to)
	for _, job := range changed {
		m.publishJobStatus(ctx, &e, job)
	}
	m.publishStatus(ctx, &e)
	return &e, nil
}

// cascadedJobStatus returns the status a job takes when its experiment moves to experimentStatus.
func cascadedJobStatus(jobStatus, experimentStatus domain.Status) (domain.Status, bool) {
	switch experimentStatus {
	case domain.Building, domain.Stopped, domain.Failed:
		if jobStatus != experimentStatus && CanTransition(jobStatus, experimentStatus) {
			return experimentStatus, true
		}
	}
	return "", false
}

func isIn(job *domain.Job, jobs []*domain.Job) bool {
	for _, j := range jobs {
		if j.Id == job.Id {
			return true
		}
	}
	return false
}

func (m *Machine) publishStatus(ctx context.Context, experiment *domain.Experiment) {
	m.publisher.Publish(ctx, domain.LogEvent{
		Line:           fmt.Sprintf("Experiment `%s` is %s", experiment.Name, experiment.Status),
		Status:         experiment.Status,
		ExperimentId:   experiment.Id,
		ExperimentName: experiment.Name,
		JobId:          domain.JobAll,
		Timestamp:      experiment.UpdatedAt,
	})
}

func (m *Machine) publishJobStatus(ctx context.Context, experiment *domain.Experiment, job *domain.Job) {
	m.publisher.Publish(ctx, domain.LogEvent{
		Line:           fmt.Sprintf("Job `%s` of experiment `%s` is %s", job.Id, experiment.Name, job.Status),
		Status:         job.Status,
		ExperimentId:   experiment.Id,
		ExperimentName: experiment.Name,
		JobId:          job.Id,
		Timestamp:      job.UpdatedAt,
	})
}
