package configuration

import (
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"

	"github.com/G-Research/experimentd/internal/common/config"
)

func validConfig() ExperimentdConfig {
	return ExperimentdConfig{
		Namespace: "polyaxon",
		Labels: LabelsConfig{
			RoleDashboard: "polyaxon-dashboard",
			TypeCore:      "polyaxon-core",
		},
		Images: ImagesConfig{
			Tensorboard: "tensorflow/tensorflow:1.4.1-py3",
		},
		Ports: PortsConfig{
			Tensorboard:   config.PortRange{Low: 5700, High: 6700},
			Notebook:      config.PortRange{Low: 6700, High: 7700},
			Backend:       BackendMemory,
			UsageInterval: 10 * time.Second,
		},
		Storage:  StorageConfig{Backend: StorageLocal, OutputsRoot: "/outputs"},
		Services: ServicesConfig{Store: BackendMemory},
		Events:   EventsConfig{BufferSize: 10, Sinks: []string{SinkLog}, Persist: PersistMemory},
		Queue:    QueueConfig{Workers: 1, Depth: 10, MaxAttempts: 1},
	}
}

func TestValidateConfig(t *testing.T) {
	tests := map[string]struct {
		modify  func(c *ExperimentdConfig)
		wantErr string
	}{
		"valid": {
			modify: func(c *ExperimentdConfig) {},
		},
		"overlapping ranges": {
			modify: func(c *ExperimentdConfig) {
				c.Ports.Notebook = config.PortRange{Low: 6600, High: 7600}
			},
			wantErr: "overlaps",
		},
		"empty range": {
			modify: func(c *ExperimentdConfig) {
				c.Ports.Tensorboard = config.PortRange{Low: 5700, High: 5700}
			},
			wantErr: "tensorboard port range 5700-5700 is empty",
		},
		"redis backend without addresses": {
			modify: func(c *ExperimentdConfig) {
				c.Ports.Backend = BackendRedis
			},
			wantErr: "redis.addrs is required",
		},
		"s3 without bucket": {
			modify: func(c *ExperimentdConfig) {
				c.Storage.Backend = StorageS3
			},
			wantErr: "storage.s3.bucket is required",
		},
		"pulsar sink without url": {
			modify: func(c *ExperimentdConfig) {
				c.Events.Sinks = []string{SinkLog, SinkPulsar}
			},
			wantErr: "pulsar.url is required",
		},
		"bad ingress annotations": {
			modify: func(c *ExperimentdConfig) {
				c.Kubernetes.IngressAnnotations = "not-json"
			},
			wantErr: "IngressAnnotations is not a JSON object",
		},
		"bad node selectors": {
			modify: func(c *ExperimentdConfig) {
				c.Kubernetes.NodeSelectors = `["gpu"]`
			},
			wantErr: "NodeSelectors is not a JSON object",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			tc.modify(&c)
			err := ValidateConfig(c)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestValidateConfig_StructTags(t *testing.T) {
	c := validConfig()
	c.Ports.Backend = "etcd"
	c.Ports.UsageInterval = 0
	c.Images.Tensorboard = ""

	err := ValidateConfig(c)

	validationErrors, ok := err.(validator.ValidationErrors)
	if assert.True(t, ok) {
		assert.Len(t, validationErrors, 3)
	}
}

func TestKubernetesConfig_Maps(t *testing.T) {
	c := KubernetesConfig{
		IngressAnnotations: `{"kubernetes.io/ingress.class": "nginx"}`,
		NodeSelectors:      "",
	}
	annotations, err := c.IngressAnnotationsMap()
	assert.NoError(t, err)
	assert.Equal(t, map[string]string{"kubernetes.io/ingress.class": "nginx"}, annotations)

	selectors, err := c.NodeSelectorsMap()
	assert.NoError(t, err)
	assert.Empty(t, selectors)
}

func TestUsesRedisAndPulsar(t *testing.T) {
	c := validConfig()
	assert.False(t, c.UsesRedis())
	assert.False(t, c.UsesPulsar())

	c.Services.Store = BackendRedis
	c.Commands.Enabled = true
	assert.True(t, c.UsesRedis())
	assert.True(t, c.UsesPulsar())
}
