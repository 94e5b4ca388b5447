package pulsarutils

import (
	"strings"

	"github.com/apache/pulsar-client-go/pulsar"
	pulsarlog "github.com/apache/pulsar-client-go/pulsar/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	commonconfig "github.com/G-Research/experimentd/internal/common/config"
)

func NewPulsarClient(config *commonconfig.PulsarConfig) (pulsar.Client, error) {
	var authentication pulsar.Authentication

	if config.AuthenticationEnabled {
		jwtPath, err := getTokenPath(config)
		if err != nil {
			return nil, err
		}
		authentication = pulsar.NewAuthenticationTokenFromFile(jwtPath)
	}

	return pulsar.NewClient(pulsar.ClientOptions{
		URL:                        config.URL,
		TLSTrustCertsFilePath:      config.TLSTrustCertsFilePath,
		TLSValidateHostname:        config.TLSValidateHostname,
		TLSAllowInsecureConnection: config.TLSAllowInsecureConnection,
		MaxConnectionsPerBroker:    config.MaxConnectionsPerBroker,
		Authentication:             authentication,
		Logger:                     pulsarlog.NewLoggerWithLogrus(logrus.StandardLogger()),
	})
}

// NewEventsProducer creates the producer behind the pulsar event sink.
func NewEventsProducer(client pulsar.Client, config *commonconfig.PulsarConfig) (pulsar.Producer, error) {
	producer, err := client.CreateProducer(pulsar.ProducerOptions{
		Name:                    "experimentd-events",
		Topic:                   config.EventsTopic,
		BatchingMaxPublishDelay: config.MaxPublishDelay,
	})
	return producer, errors.WithStack(err)
}

// NewCommandsConsumer subscribes to the commands topic. The subscription is failover so that,
// with several replicas, only one applies commands at a time.
func NewCommandsConsumer(client pulsar.Client, config *commonconfig.PulsarConfig) (pulsar.Consumer, error) {
	consumer, err := client.Subscribe(pulsar.ConsumerOptions{
		Topic:            config.CommandsTopic,
		SubscriptionName: config.CommandsSubscription,
		Type:             pulsar.Failover,
	})
	return consumer, errors.WithStack(err)
}

func getTokenPath(config *commonconfig.PulsarConfig) (string, error) {
	if strings.ToLower(config.AuthenticationType) != "jwt" {
		return "", errors.Errorf(
			"invalid pulsar.AuthenticationType %q: only JWT authentication for Pulsar is supported right now",
			config.AuthenticationType)
	}
	if strings.TrimSpace(config.JwtTokenPath) == "" {
		return "", errors.New("JWT authentication was configured for Pulsar but no pulsar.JwtTokenPath was supplied")
	}
	return config.JwtTokenPath, nil
}
