package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/experimentd/internal/common/experrors"
	"github.com/G-Research/experimentd/internal/common/util"
	"github.com/G-Research/experimentd/internal/experimentd/domain"
	"github.com/G-Research/experimentd/internal/experimentd/repository"
	"github.com/G-Research/experimentd/internal/experimentd/restart"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.LogEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.LogEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) statuses() []domain.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := []domain.Status{}
	for _, e := range p.events {
		if e.JobId == domain.JobAll {
			result = append(result, e.Status)
		}
	}
	return result
}

type fakeRestartHandler struct {
	mu      sync.Mutex
	calls   []string
	started chan struct{}
	release chan struct{}
	result  restart.Result
}

func (h *fakeRestartHandler) HandleRestart(_ context.Context, experiment, original *domain.Experiment) restart.Result {
	h.mu.Lock()
	h.calls = append(h.calls, original.Name+"->"+experiment.Name)
	h.mu.Unlock()
	if h.started != nil {
		close(h.started)
	}
	if h.release != nil {
		<-h.release
	}
	return h.result
}

type fixture struct {
	machine   *Machine
	repo      *repository.MemExperimentRepository
	publisher *recordingPublisher
	restarts  *fakeRestartHandler
}

func withMachine(action func(f *fixture), preconditions ...Precondition) {
	repo, err := repository.NewMemExperimentRepository()
	if err != nil {
		panic(err)
	}
	f := &fixture{
		repo:      repo,
		publisher: &recordingPublisher{},
		restarts:  &fakeRestartHandler{result: restart.Result{Copied: true}},
	}
	clock := &util.DummyClock{T: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	f.machine = NewMachine(repo, f.restarts, f.publisher, clock, "/outputs", preconditions...)
	action(f)
}

func createExperiment(t *testing.T, f *fixture, name string, roles ...domain.JobRole) *domain.Experiment {
	jobs := make([]*domain.Job, len(roles))
	for i, role := range roles {
		jobs[i] = &domain.Job{Role: role}
	}
	experiment, err := f.machine.Create(context.Background(), &domain.Experiment{
		Name:    name,
		Project: domain.Project{User: "adam", Name: "mnist"},
	}, jobs...)
	require.NoError(t, err)
	return experiment
}

func jobStatuses(t *testing.T, f *fixture, experimentId string) []domain.Status {
	jobs, err := f.repo.GetJobs(experimentId)
	require.NoError(t, err)
	result := []domain.Status{}
	for _, job := range jobs {
		result = append(result, job.Status)
	}
	return result
}

func TestCanTransition(t *testing.T) {
	legal := map[domain.Status][]domain.Status{
		domain.Created:  {domain.Building, domain.Stopped},
		domain.Building: {domain.Building, domain.Running, domain.Failed, domain.Stopped},
		domain.Running:  {domain.Succeeded, domain.Failed, domain.Stopped},
	}
	for _, from := range domain.AllStatuses {
		for _, to := range domain.AllStatuses {
			expected := false
			for _, s := range legal[from] {
				if s == to {
					expected = true
				}
			}
			assert.Equal(t, expected, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCreate(t *testing.T) {
	withMachine(func(f *fixture) {
		experiment := createExperiment(t, f, "exp-a", domain.RoleMaster, domain.RoleWorker)

		assert.True(t, util.IsUUID(experiment.Id))
		assert.Equal(t, domain.Created, experiment.Status)
		assert.Equal(t, "/outputs/exp-a", experiment.OutputsPath)
		assert.Equal(t, []domain.Status{domain.Created, domain.Created}, jobStatuses(t, f, experiment.Id))

		_, err := f.machine.Create(context.Background(), &domain.Experiment{Name: "exp-a", Project: experiment.Project})
		var exists *experrors.ErrAlreadyExists
		assert.ErrorAs(t, err, &exists)
	})
}

func TestCreate_RejectsNamesOutsideOutputsRoot(t *testing.T) {
	withMachine(func(f *fixture) {
		mnist := domain.Project{User: "adam", Name: "mnist"}
		for _, name := range []string{"", "../escaped", "a/b", ".."} {
			_, err := f.machine.Create(context.Background(), &domain.Experiment{Name: name, Project: mnist})
			assert.True(t, experrors.IsInvalidArgument(err), name)
		}
		_, err := f.machine.Create(context.Background(), &domain.Experiment{Name: "exp-a", Project: domain.Project{User: "a.b", Name: "c"}})
		assert.True(t, experrors.IsInvalidArgument(err))

		original := createExperiment(t, f, "exp-a")
		_, err = f.machine.Restart(context.Background(), original.Id, "../escaped")
		assert.True(t, experrors.IsInvalidArgument(err))
	})
}

func TestStart_MovesThroughBuildingToRunning(t *testing.T) {
	withMachine(func(f *fixture) {
		experiment := createExperiment(t, f, "exp-a", domain.RoleMaster)

		started, err := f.machine.Start(context.Background(), experiment.Id)
		require.NoError(t, err)

		assert.Equal(t, domain.Running, started.Status)
		assert.Equal(t, []domain.Status{domain.Created, domain.Building, domain.Running}, f.publisher.statuses())
		assert.Equal(t, []domain.Status{domain.Building}, jobStatuses(t, f, experiment.Id))
		assert.Empty(t, f.restarts.calls)

		// a second start is rejected
		_, err = f.machine.Start(context.Background(), experiment.Id)
		assert.True(t, experrors.IsInvalidTransition(err))
	})
}

func TestStart_FailedPreconditionFailsExperiment(t *testing.T) {
	quotaErr := errors.New("quota exceeded")
	withMachine(func(f *fixture) {
		experiment := createExperiment(t, f, "exp-a", domain.RoleMaster)

		_, err := f.machine.Start(context.Background(), experiment.Id)
		assert.Equal(t, quotaErr, err)

		stored, err := f.repo.GetExperiment(experiment.Id)
		require.NoError(t, err)
		assert.Equal(t, domain.Failed, stored.Status)
		assert.Equal(t, []domain.Status{domain.Created, domain.Building, domain.Failed}, f.publisher.statuses())
	}, func(ctx context.Context, e *domain.Experiment) error { return quotaErr })
}

func TestStart_RestartCopiesBeforeRunning(t *testing.T) {
	withMachine(func(f *fixture) {
		original := createExperiment(t, f, "exp-a", domain.RoleMaster, domain.RoleWorker)
		restarted, err := f.machine.Restart(context.Background(), original.Id, "exp-b")
		require.NoError(t, err)
		assert.Equal(t, original.Id, restarted.OriginalExperimentId)
		assert.Equal(t, original.Project, restarted.Project)
		assert.Len(t, jobStatuses(t, f, restarted.Id), 2)

		started, err := f.machine.Start(context.Background(), restarted.Id)
		require.NoError(t, err)
		assert.Equal(t, domain.Running, started.Status)
		assert.Equal(t, []string{"exp-a->exp-b"}, f.restarts.calls)
	})
}

func TestStart_RestartCopyFailureStillRuns(t *testing.T) {
	withMachine(func(f *fixture) {
		f.restarts.result = restart.Result{Copied: false, Err: &experrors.ErrStorage{Source: "exp-a", Dest: "exp-b"}}
		original := createExperiment(t, f, "exp-a")
		restarted, err := f.machine.Restart(context.Background(), original.Id, "exp-b")
		require.NoError(t, err)

		started, err := f.machine.Start(context.Background(), restarted.Id)
		require.NoError(t, err)
		assert.Equal(t, domain.Running, started.Status)
	})
}

func TestRestart_UnknownOriginal(t *testing.T) {
	withMachine(func(f *fixture) {
		_, err := f.machine.Restart(context.Background(), "missing", "exp-b")
		assert.True(t, experrors.IsNotFound(err))
	})
}

func TestStop_DuringRestartCopyWins(t *testing.T) {
	withMachine(func(f *fixture) {
		f.restarts.started = make(chan struct{})
		f.restarts.release = make(chan struct{})
		original := createExperiment(t, f, "exp-a")
		restarted, err := f.machine.Restart(context.Background(), original.Id, "exp-b")
		require.NoError(t, err)

		type startResult struct {
			experiment *domain.Experiment
			err        error
		}
		results := make(chan startResult, 1)
		go func() {
			e, err := f.machine.Start(context.Background(), restarted.Id)
			results <- startResult{e, err}
		}()

		<-f.restarts.started
		// the copy is in flight and holds no lock, so stop goes through straight away
		stopped, err := f.machine.Stop(context.Background(), restarted.Id)
		require.NoError(t, err)
		assert.Equal(t, domain.Stopped, stopped.Status)

		// no one can mark it running while the copy is in flight
		close(f.restarts.release)
		result := <-results
		require.NoError(t, result.err)
		assert.Equal(t, domain.Stopped, result.experiment.Status)

		stored, err := f.repo.GetExperiment(restarted.Id)
		require.NoError(t, err)
		assert.Equal(t, domain.Stopped, stored.Status)
		assert.NotContains(t, f.publisher.statuses(), domain.Running)
	})
}

func TestTransition_RunningRejectedWhilePreparing(t *testing.T) {
	withMachine(func(f *fixture) {
		f.restarts.started = make(chan struct{})
		f.restarts.release = make(chan struct{})
		original := createExperiment(t, f, "exp-a")
		restarted, err := f.machine.Restart(context.Background(), original.Id, "exp-b")
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			_, _ = f.machine.Start(context.Background(), restarted.Id)
			close(done)
		}()
		<-f.restarts.started

		_, err = f.machine.Transition(context.Background(), restarted.Id, domain.Running)
		assert.True(t, experrors.IsInvalidTransition(err))

		close(f.restarts.release)
		<-done
		stored, err := f.repo.GetExperiment(restarted.Id)
		require.NoError(t, err)
		assert.Equal(t, domain.Running, stored.Status)
	})
}

func TestStop(t *testing.T) {
	withMachine(func(f *fixture) {
		experiment := createExperiment(t, f, "exp-a", domain.RoleMaster, domain.RoleWorker)
		_, err := f.machine.Start(context.Background(), experiment.Id)
		require.NoError(t, err)
		_, err = f.machine.UpdateJobStatus(context.Background(), experiment.Id, firstJobId(t, f, experiment.Id), domain.Running)
		require.NoError(t, err)

		stopped, err := f.machine.Stop(context.Background(), experiment.Id)
		require.NoError(t, err)
		assert.Equal(t, domain.Stopped, stopped.Status)
		assert.Equal(t, []domain.Status{domain.Stopped, domain.Stopped}, jobStatuses(t, f, experiment.Id))

		// terminal states are final
		_, err = f.machine.Stop(context.Background(), experiment.Id)
		assert.True(t, experrors.IsInvalidTransition(err))
		_, err = f.machine.Transition(context.Background(), experiment.Id, domain.Running)
		assert.True(t, experrors.IsInvalidTransition(err))
	})
}

func TestTerminalStatesRejectEveryTransition(t *testing.T) {
	for _, terminal := range []domain.Status{domain.Succeeded, domain.Failed, domain.Stopped} {
		withMachine(func(f *fixture) {
			experiment := createExperiment(t, f, "exp-"+string(terminal))
			_, err := f.machine.Start(context.Background(), experiment.Id)
			require.NoError(t, err)
			_, err = f.machine.Transition(context.Background(), experiment.Id, terminal)
			require.NoError(t, err)

			for _, to := range domain.AllStatuses {
				_, err := f.machine.Transition(context.Background(), experiment.Id, to)
				assert.True(t, experrors.IsInvalidTransition(err), "%s -> %s", terminal, to)
			}
		})
	}
}

func TestUpdateJobStatus_DerivesExperimentStatus(t *testing.T) {
	withMachine(func(f *fixture) {
		ctx := context.Background()
		experiment := createExperiment(t, f, "exp-a", domain.RoleMaster, domain.RoleWorker)
		_, err := f.machine.Start(ctx, experiment.Id)
		require.NoError(t, err)

		jobs, err := f.repo.GetJobs(experiment.Id)
		require.NoError(t, err)
		for _, job := range jobs {
			_, err := f.machine.UpdateJobStatus(ctx, experiment.Id, job.Id, domain.Running)
			require.NoError(t, err)
		}

		updated, err := f.machine.UpdateJobStatus(ctx, experiment.Id, jobs[0].Id, domain.Succeeded)
		require.NoError(t, err)
		assert.Equal(t, domain.Running, updated.Status)

		updated, err = f.machine.UpdateJobStatus(ctx, experiment.Id, jobs[1].Id, domain.Succeeded)
		require.NoError(t, err)
		assert.Equal(t, domain.Succeeded, updated.Status)
		assert.Equal(t, []domain.Status{domain.Succeeded, domain.Succeeded}, jobStatuses(t, f, experiment.Id))
	})
}

func TestUpdateJobStatus_FailedJobFailsExperiment(t *testing.T) {
	withMachine(func(f *fixture) {
		ctx := context.Background()
		experiment := createExperiment(t, f, "exp-a", domain.RoleMaster, domain.RoleWorker)
		_, err := f.machine.Start(ctx, experiment.Id)
		require.NoError(t, err)
		jobId := firstJobId(t, f, experiment.Id)

		updated, err := f.machine.UpdateJobStatus(ctx, experiment.Id, jobId, domain.Failed)
		require.NoError(t, err)
		assert.Equal(t, domain.Failed, updated.Status)
		assert.Equal(t, []domain.Status{domain.Failed, domain.Failed}, jobStatuses(t, f, experiment.Id))
	})
}

func TestUpdateJobStatus_Errors(t *testing.T) {
	withMachine(func(f *fixture) {
		ctx := context.Background()
		experiment := createExperiment(t, f, "exp-a", domain.RoleMaster)

		_, err := f.machine.UpdateJobStatus(ctx, experiment.Id, "missing", domain.Running)
		assert.True(t, experrors.IsNotFound(err))

		_, err = f.machine.UpdateJobStatus(ctx, experiment.Id, firstJobId(t, f, experiment.Id), domain.Succeeded)
		assert.True(t, experrors.IsInvalidTransition(err))
	})
}

func firstJobId(t *testing.T, f *fixture, experimentId string) string {
	jobs, err := f.repo.GetJobs(experimentId)
	require.NoError(t, err)
	require.NotEmpty(t, jobs)
	return jobs[0].Id
}
