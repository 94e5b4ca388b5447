package domain

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type ServiceType string

const (
	Tensorboard ServiceType = "tensorboard"
	Notebook    ServiceType = "notebook"
)

var ServiceTypes = []ServiceType{Tensorboard, Notebook}

func ParseServiceType(s string) (ServiceType, error) {
	switch ServiceType(s) {
	case Tensorboard, Notebook:
		return ServiceType(s), nil
	default:
		return "", errors.Errorf("unknown service type %q", s)
	}
}

// ServiceConfig is the configuration of one auxiliary service type.
// The concrete type is always *TensorboardConfig or *NotebookConfig.
type ServiceConfig interface {
	ServiceType() ServiceType
	Image() string
}

type ProjectSpec struct {
	Name string `json:"name" validate:"required"`
}

type TensorboardRun struct {
	Image string `json:"image" validate:"required"`
}

type TensorboardConfig struct {
	Version int            `json:"version" validate:"eq=1"`
	Project ProjectSpec    `json:"project"`
	Run     TensorboardRun `json:"run"`
}

func (c *TensorboardConfig) ServiceType() ServiceType { return Tensorboard }
func (c *TensorboardConfig) Image() string            { return c.Run.Image }

type NotebookRun struct {
	Image string `json:"image" validate:"required"`
	Cmd   string `json:"cmd,omitempty"`
}

type NotebookConfig struct {
	Version int         `json:"version" validate:"eq=1"`
	Project ProjectSpec `json:"project"`
	Run     NotebookRun `json:"run"`
}

func (c *NotebookConfig) ServiceType() ServiceType { return Notebook }
func (c *NotebookConfig) Image() string            { return c.Run.Image }

// DecodeServiceConfig unmarshals payload into the config variant of serviceType.
func DecodeServiceConfig(serviceType ServiceType, payload []byte) (ServiceConfig, error) {
	var config ServiceConfig
	switch serviceType {
	case Tensorboard:
		config = &TensorboardConfig{}
	case Notebook:
		config = &NotebookConfig{}
	default:
		return nil, errors.Errorf("unknown service type %q", serviceType)
	}
	if err := json.Unmarshal(payload, config); err != nil {
		return nil, errors.WithStack(err)
	}
	return config, nil
}

// ServiceKey identifies the service of one type of a project. Names never contain '/'.
type ServiceKey struct {
	User    string
	Project string
	Type    ServiceType
}

func (k ServiceKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.User, k.Project, k.Type)
}

// ServiceDescriptor is the stored state of a project's auxiliary service.
type ServiceDescriptor struct {
	Project   Project
	Type      ServiceType
	Port      int
	Config    ServiceConfig
	Active    bool
	UpdatedAt time.Time
}

func (d *ServiceDescriptor) Key() ServiceKey {
	return ServiceKey{User: d.Project.User, Project: d.Project.Name, Type: d.Type}
}

// maxObjectNameLength is the limit of a DNS-1035 label, which service names must be.
const maxObjectNameLength = 63

// Name is the name given to every cluster object backing the service: a readable DNS-1035 label
// ending in a hash of the key, as different keys can read the same once joined with '-'.
func (d *ServiceDescriptor) Name() string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(d.Key().String()))
	suffix := fmt.Sprintf("-%08x", h.Sum32())

	readable := strings.ToLower(fmt.Sprintf("plx-%s-%s-%s", d.Type, d.Project.User, d.Project.Name))
	readable = strings.ReplaceAll(readable, "_", "-")
	if limit := maxObjectNameLength - len(suffix); len(readable) > limit {
		readable = readable[:limit]
	}
	return strings.TrimRight(readable, "-") + suffix
}

type serviceDescriptorJson struct {
	User      string          `json:"user"`
	Project   string          `json:"project"`
	Type      ServiceType     `json:"type"`
	Port      int             `json:"port"`
	Config    json.RawMessage `json:"config"`
	Active    bool            `json:"active"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (d *ServiceDescriptor) MarshalJSON() ([]byte, error) {
	config, err := json.Marshal(d.Config)
	if err != nil {
		return nil, err
	}
	return json.Marshal(serviceDescriptorJson{
		User:      d.Project.User,
		Project:   d.Project.Name,
		Type:      d.Type,
		Port:      d.Port,
		Config:    config,
		Active:    d.Active,
		UpdatedAt: d.UpdatedAt,
	})
}

func (d *ServiceDescriptor) UnmarshalJSON(data []byte) error {
	var raw serviceDescriptorJson
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var config ServiceConfig
	if len(raw.Config) > 0 && string(raw.Config) != "null" {
		c, err := DecodeServiceConfig(raw.Type, raw.Config)
		if err != nil {
			return err
		}
		config = c
	}
	*d = ServiceDescriptor{
		Project:   Project{User: raw.User, Name: raw.Project},
		Type:      raw.Type,
		Port:      raw.Port,
		Config:    config,
		Active:    raw.Active,
		UpdatedAt: raw.UpdatedAt,
	}
	return nil
}

// Copy returns a shallow copy; configs are never mutated after validation so sharing them is fine.
func (d *ServiceDescriptor) Copy() *ServiceDescriptor {
	c := *d
	return &c
}
