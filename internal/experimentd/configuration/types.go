package configuration

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/G-Research/experimentd/internal/common/config"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	StorageLocal = "local"
	StorageS3    = "s3"

	SinkLog    = "log"
	SinkPulsar = "pulsar"
	SinkRedis  = "redis"

	PersistMemory   = "memory"
	PersistPostgres = "postgres"
)

type ExperimentdConfig struct {
	MetricsPort uint16
	// Kubernetes namespace in which experiments and auxiliary services run
	Namespace string `validate:"required"`

	Labels     LabelsConfig
	Kubernetes KubernetesConfig
	Images     ImagesConfig

	Ports    PortsConfig
	Storage  StorageConfig
	Services ServicesConfig
	Events   EventsConfig
	Queue    QueueConfig
	Commands CommandsConfig

	Redis    config.RedisConfig
	Pulsar   config.PulsarConfig
	Postgres config.PostgresConfig
}

// LabelsConfig holds the role and type label values put on every object of an auxiliary service.
type LabelsConfig struct {
	RoleDashboard string `validate:"required"`
	TypeCore      string `validate:"required"`
}

type KubernetesConfig struct {
	// Path to a kubeconfig file; in-cluster configuration is used when empty
	Kubeconfig         string
	ServiceAccountName string
	RbacEnabled        bool
	IngressEnabled     bool
	// JSON object of annotations added to every ingress
	IngressAnnotations string
	// JSON object of node selectors of auxiliary service pods
	NodeSelectors string
}

type ImagesConfig struct {
	// Image of tensorboards started without a configuration
	Tensorboard string `validate:"required"`
}

type PortsConfig struct {
	Tensorboard config.PortRange
	Notebook    config.PortRange
	// "memory" or "redis"
	Backend string `validate:"oneof=memory redis"`
	// How often the ports in use gauges are refreshed
	UsageInterval time.Duration `validate:"gt=0"`
}

type StorageConfig struct {
	// "local" or "s3"
	Backend     string `validate:"oneof=local s3"`
	OutputsRoot string
	S3          S3Config
}

type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

type ServicesConfig struct {
	// "memory" or "redis"
	Store string `validate:"oneof=memory redis"`
	// How long a resolved service address is cached
	AddressCacheTTL time.Duration
}

type EventsConfig struct {
	BufferSize int `validate:"gt=0"`
	// Any of "log", "pulsar", "redis"
	Sinks []string `validate:"dive,oneof=log pulsar redis"`
	// Where events flagged persist are stored: "memory" or "postgres"
	Persist string `validate:"oneof=memory postgres"`
	// Expiry of the per-experiment redis event streams
	StreamRetention time.Duration
}

type QueueConfig struct {
	Workers     int  `validate:"gt=0"`
	Depth       int  `validate:"gt=0"`
	MaxAttempts uint `validate:"gt=0"`
	RetryDelay  time.Duration
}

type CommandsConfig struct {
	Enabled bool
}

// IngressAnnotationsMap decodes the IngressAnnotations JSON object. An empty string yields an empty map.
func (c KubernetesConfig) IngressAnnotationsMap() (map[string]string, error) {
	return decodeStringMap("IngressAnnotations", c.IngressAnnotations)
}

// NodeSelectorsMap decodes the NodeSelectors JSON object. An empty string yields an empty map.
func (c KubernetesConfig) NodeSelectorsMap() (map[string]string, error) {
	return decodeStringMap("NodeSelectors", c.NodeSelectors)
}

func decodeStringMap(field, s string) (map[string]string, error) {
	result := map[string]string{}
	if s == "" {
		return result, nil
	}
	if err := json.Unmarshal([]byte(s), &result); err != nil {
		return nil, errors.Wrapf(err, "%s is not a JSON object of strings", field)
	}
	return result, nil
}

// UsesSink returns true if sink is one of the configured event sinks.
func (c ExperimentdConfig) UsesSink(sink string) bool {
	for _, s := range c.Events.Sinks {
		if s == sink {
			return true
		}
	}
	return false
}

// UsesRedis returns true if any configured component needs a redis connection.
func (c ExperimentdConfig) UsesRedis() bool {
	return c.Ports.Backend == BackendRedis || c.Services.Store == BackendRedis || c.UsesSink(SinkRedis)
}

// UsesPulsar returns true if any configured component needs a pulsar client.
func (c ExperimentdConfig) UsesPulsar() bool {
	return c.Commands.Enabled || c.UsesSink(SinkPulsar)
}

// ValidateConfig checks field constraints and the cross-field rules viper can't express.
// Struct tag violations are returned as validator.ValidationErrors so they can be logged with
// config.LogValidationErrors.
func ValidateConfig(c ExperimentdConfig) error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}

	var result *multierror.Error
	if c.Ports.Tensorboard.Size() == 0 {
		result = multierror.Append(result, errors.Errorf("tensorboard port range %s is empty", c.Ports.Tensorboard))
	}
	if c.Ports.Notebook.Size() == 0 {
		result = multierror.Append(result, errors.Errorf("notebook port range %s is empty", c.Ports.Notebook))
	}
	if c.Ports.Tensorboard.Overlaps(c.Ports.Notebook) {
		result = multierror.Append(result, errors.Errorf(
			"tensorboard port range %s overlaps notebook port range %s", c.Ports.Tensorboard, c.Ports.Notebook))
	}
	if c.Storage.Backend == StorageLocal && c.Storage.OutputsRoot == "" {
		result = multierror.Append(result, errors.New("storage.outputsRoot is required for local storage"))
	}
	if c.Storage.Backend == StorageS3 && c.Storage.S3.Bucket == "" {
		result = multierror.Append(result, errors.New("storage.s3.bucket is required for s3 storage"))
	}
	if c.UsesRedis() && len(c.Redis.Addrs) == 0 {
		result = multierror.Append(result, errors.New("redis.addrs is required when a redis backend is configured"))
	}
	if c.UsesPulsar() && c.Pulsar.URL == "" {
		result = multierror.Append(result, errors.New("pulsar.url is required when pulsar is used"))
	}
	if c.Commands.Enabled && (c.Pulsar.CommandsTopic == "" || c.Pulsar.CommandsSubscription == "") {
		result = multierror.Append(result, errors.New("pulsar.commandsTopic and pulsar.commandsSubscription are required when commands are enabled"))
	}
	if c.UsesSink(SinkPulsar) && c.Pulsar.EventsTopic == "" {
		result = multierror.Append(result, errors.New("pulsar.eventsTopic is required for the pulsar sink"))
	}
	if c.Events.Persist == PersistPostgres && len(c.Postgres.Connection) == 0 {
		result = multierror.Append(result, errors.New("postgres.connection is required to persist events in postgres"))
	}
	if _, err := c.Kubernetes.IngressAnnotationsMap(); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := c.Kubernetes.NodeSelectorsMap(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
