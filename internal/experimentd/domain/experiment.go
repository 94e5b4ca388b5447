package domain

import (
	"fmt"
	"regexp"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/experimentd/internal/common/experrors"
)

// JobAll is the job id used by events that concern every job of an experiment.
const JobAll = "all"

type JobRole string

const (
	RoleMaster JobRole = "master"
	RoleWorker JobRole = "worker"
	RolePs     JobRole = "ps"
)

type Project struct {
	User string
	Name string
}

// UniqueName is the "user.project" form used in log lines and labels.
// It is only unique because Validate rejects dots in both names.
func (p Project) UniqueName() string {
	return p.User + "." + p.Name
}

// Validate checks the user and project names with ValidateName.
func (p Project) Validate() error {
	if err := ValidateName("user", p.User); err != nil {
		return err
	}
	return ValidateName("project", p.Name)
}

// MaxNameLength is the longest user, project or experiment name accepted, the limit of a label value.
const MaxNameLength = 63

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_-]*[a-zA-Z0-9])?$`)

// ValidateName checks a user, project or experiment name. Names end up in storage paths, redis keys
// and cluster labels, so they are label values: letters and digits, with '-' and '_' inside.
func ValidateName(field, name string) error {
	if len(name) <= MaxNameLength && namePattern.MatchString(name) {
		return nil
	}
	return errors.WithStack(&experrors.ErrInvalidArgument{
		Name:    field,
		Value:   name,
		Message: fmt.Sprintf("must be 1 to %d letters, digits, '-' or '_', starting and ending with a letter or digit", MaxNameLength),
	})
}

type Experiment struct {
	Id      string
	Name    string
	Project Project
	// Id of the experiment this one was restarted from, empty if it isn't a restart.
	OriginalExperimentId string
	Status               Status
	OutputsPath          string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (e *Experiment) IsRestart() bool {
	return e.OriginalExperimentId != ""
}

type Job struct {
	Id           string
	ExperimentId string
	Role         JobRole
	Status       Status
	UpdatedAt    time.Time
}
