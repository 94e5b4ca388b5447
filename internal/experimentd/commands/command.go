package commands

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/G-Research/experimentd/internal/experimentd/domain"
)

type Action string

const (
	CreateExperiment  Action = "experiment.create"
	StartExperiment   Action = "experiment.start"
	StopExperiment    Action = "experiment.stop"
	RestartExperiment Action = "experiment.restart"
	ExperimentStatus  Action = "experiment.status"
	JobStatus         Action = "job.status"
	StartService      Action = "service.start"
	StopService       Action = "service.stop"
)

// Command is the JSON body of a message on the commands topic. Which fields are required depends on Action.
type Command struct {
	Action  Action `json:"action"`
	User    string `json:"user,omitempty"`
	Project string `json:"project,omitempty"`
	// Experiment id, or the name of the experiment to create
	Experiment string `json:"experiment,omitempty"`
	// Id of the experiment to restart
	Original string `json:"original,omitempty"`
	// Name of the restarted experiment; generated when empty
	Name string `json:"name,omitempty"`
	// Roles of the jobs of a created experiment
	Jobs    []domain.JobRole `json:"jobs,omitempty"`
	Job     string           `json:"job,omitempty"`
	Status  domain.Status    `json:"status,omitempty"`
	Service string           `json:"service,omitempty"`
	// Service configuration; may be empty
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (c *Command) project() domain.Project {
	return domain.Project{User: c.User, Name: c.Project}
}

// Unmarshal decodes and checks a command.
func Unmarshal(payload []byte) (*Command, error) {
	command := &Command{}
	if err := json.Unmarshal(payload, command); err != nil {
		return nil, errors.Wrap(err, "command is not valid JSON")
	}
	if err := command.validate(); err != nil {
		return nil, err
	}
	return command, nil
}

func (c *Command) validate() error {
	// fields are name, value pairs
	require := func(fields ...string) error {
		for i := 0; i+1 < len(fields); i += 2 {
			if fields[i+1] == "" {
				return errors.Errorf("%s command is missing %s", c.Action, fields[i])
			}
		}
		return nil
	}
	switch c.Action {
	case CreateExperiment:
		if err := require("user", c.User, "project", c.Project, "experiment", c.Experiment); err != nil {
			return err
		}
		if err := c.project().Validate(); err != nil {
			return err
		}
		return domain.ValidateName("experiment", c.Experiment)
	case StartExperiment, StopExperiment:
		return require("experiment", c.Experiment)
	case RestartExperiment:
		if err := require("original", c.Original); err != nil {
			return err
		}
		if c.Name != "" {
			return domain.ValidateName("name", c.Name)
		}
		return nil
	case ExperimentStatus:
		return require("experiment", c.Experiment, "status", string(c.Status))
	case JobStatus:
		return require("experiment", c.Experiment, "job", c.Job, "status", string(c.Status))
	case StartService, StopService:
		if err := require("user", c.User, "project", c.Project); err != nil {
			return err
		}
		if err := c.project().Validate(); err != nil {
			return err
		}
		_, err := domain.ParseServiceType(c.Service)
		return err
	default:
		return errors.Errorf("unknown action %q", c.Action)
	}
}
