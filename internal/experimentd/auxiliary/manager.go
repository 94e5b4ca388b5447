package auxiliary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/experimentd/internal/common/experrors"
	"github.com/G-Research/experimentd/internal/common/logging"
	"github.com/G-Research/experimentd/internal/common/util"
	"github.com/G-Research/experimentd/internal/experimentd/dispatch"
	"github.com/G-Research/experimentd/internal/experimentd/domain"
	"github.com/G-Research/experimentd/internal/experimentd/metrics"
	"github.com/G-Research/experimentd/internal/experimentd/ports"
	"github.com/G-Research/experimentd/internal/experimentd/repository"
)

// Queue accepts launch and terminate commands. Commands for the same service must be executed in order.
type Queue interface {
	Enqueue(ctx context.Context, command dispatch.Command) error
}

type AddressResolver interface {
	ResolveAddress(ctx context.Context, descriptor *domain.ServiceDescriptor) (string, error)
}

// Acceptance describes what Start or Stop did. The actual launch or termination happens asynchronously.
type Acceptance struct {
	// Nothing had to be done
	Skipped bool
	// A running service was given a new config and is being relaunched on its port
	Reconfigured bool
	Descriptor   *domain.ServiceDescriptor
}

// Manager owns the lifecycle of the Tensorboard and Notebook services of every project.
// All operations on the same project and service type are serialised.
type Manager struct {
	services         repository.ServiceRepository
	allocator        ports.PortAllocator
	queue            Queue
	resolver         AddressResolver
	tensorboardImage string
	clock            util.Clock
	locks            *util.KeyedMutex
	addresses        *cache.Cache
	addressTTL       time.Duration
	logger           *log.Entry
}

func NewManager(
	services repository.ServiceRepository,
	allocator ports.PortAllocator,
	queue Queue,
	resolver AddressResolver,
	tensorboardImage string,
	addressTTL time.Duration,
	clock util.Clock,
) *Manager {
	return &Manager{
		services:         services,
		allocator:        allocator,
		queue:            queue,
		resolver:         resolver,
		tensorboardImage: tensorboardImage,
		clock:            clock,
		locks:            util.NewKeyedMutex(),
		addresses:        cache.New(addressTTL, time.Minute),
		addressTTL:       addressTTL,
		logger:           logging.ForComponent("auxiliary"),
	}
}

// Start makes sure the service of the given type runs for project.
// Without a payload an already active service is left alone, and an inactive one is started with its
// last config, or the default config if it never ran. A payload is validated first; an invalid payload
// returns *experrors.ErrValidation and changes nothing.
func (m *Manager) Start(ctx context.Context, project domain.Project, serviceType domain.ServiceType, payload []byte) (Acceptance, error) {
	key, err := serviceKey(project, serviceType)
	if err != nil {
		return Acceptance{}, err
	}
	unlock := m.locks.Lock(key.String())
	defer unlock()

	existing, err := m.services.GetService(ctx, key)
	if err != nil {
		return Acceptance{}, err
	}

	hasPayload := !isEmptyPayload(payload)
	if existing != nil && existing.Active && !hasPayload {
		return Acceptance{Skipped: true, Descriptor: existing}, nil
	}

	var config domain.ServiceConfig
	switch {
	case hasPayload:
		result := ValidateServiceConfig(serviceType, payload)
		if !result.Valid() {
			return Acceptance{}, result.Err(serviceType)
		}
		config = result.Config
	case existing != nil && existing.Config != nil:
		config = existing.Config
	default:
		config, err = m.defaultConfig(project, serviceType)
		if err != nil {
			return Acceptance{}, err
		}
	}

	if existing != nil && existing.Active {
		return m.reconfigure(ctx, existing, config)
	}
	return m.launch(ctx, project, serviceType, config)
}

func (m *Manager) defaultConfig(project domain.Project, serviceType domain.ServiceType) (domain.ServiceConfig, error) {
	if serviceType == domain.Notebook {
		return nil, errors.WithStack(&experrors.ErrValidation{
			Service: string(serviceType),
			Fields:  []experrors.FieldError{{Field: "run.image", Message: "is required, notebooks have no default image"}},
		})
	}
	config := &domain.TensorboardConfig{
		Version: supportedVersion,
		Project: domain.ProjectSpec{Name: project.Name},
		Run:     domain.TensorboardRun{Image: m.tensorboardImage},
	}
	if result := validateConfig(config); !result.Valid() {
		return nil, result.Err(serviceType)
	}
	return config, nil
}

func (m *Manager) launch(ctx context.Context, project domain.Project, serviceType domain.ServiceType, config domain.ServiceConfig) (Acceptance, error) {
	key := domain.ServiceKey{User: project.User, Project: project.Name, Type: serviceType}
	port, err := m.allocator.Allocate(ctx, serviceType, key.String())
	if err != nil {
		return Acceptance{}, err
	}
	descriptor := &domain.ServiceDescriptor{
		Project:   project,
		Type:      serviceType,
		Port:      port,
		Config:    config,
		Active:    true,
		UpdatedAt: m.clock.Now(),
	}
	if err := m.services.SaveService(ctx, descriptor); err != nil {
		m.logRollback(descriptor, m.allocator.Release(ctx, serviceType, port))
		return Acceptance{}, err
	}
	// an address resolved for an earlier instance may point at another port
	m.addresses.Delete(key.String())
	if err := m.queue.Enqueue(ctx, dispatch.Command{Kind: dispatch.Launch, Descriptor: descriptor.Copy()}); err != nil {
		_, rollbackErr := m.deactivate(ctx, descriptor)
		m.logRollback(descriptor, rollbackErr)
		return Acceptance{}, err
	}
	m.logger.WithFields(log.Fields{"service": key.String(), "port": port}).Info("Starting service")
	return Acceptance{Descriptor: descriptor}, nil
}

func (m *Manager) reconfigure(ctx context.Context, existing *domain.ServiceDescriptor, config domain.ServiceConfig) (Acceptance, error) {
	updated := existing.Copy()
	updated.Config = config
	updated.UpdatedAt = m.clock.Now()
	if err := m.services.SaveService(ctx, updated); err != nil {
		return Acceptance{}, err
	}
	m.addresses.Delete(updated.Key().String())

	if err := m.queue.Enqueue(ctx, dispatch.Command{Kind: dispatch.Terminate, Descriptor: existing.Copy()}); err != nil {
		m.logRollback(existing, m.services.SaveService(ctx, existing))
		return Acceptance{}, err
	}
	// the old instance is on its way out, so without a launch the service is gone
	if err := m.queue.Enqueue(ctx, dispatch.Command{Kind: dispatch.Launch, Descriptor: updated.Copy()}); err != nil {
		_, rollbackErr := m.deactivate(ctx, updated)
		m.logRollback(updated, rollbackErr)
		return Acceptance{}, err
	}
	m.logger.WithFields(log.Fields{"service": updated.Key().String(), "port": updated.Port}).Info("Reconfiguring service")
	return Acceptance{Reconfigured: true, Descriptor: updated}, nil
}

// Stop terminates the service if it is active and frees its port. The stored config is kept for the next Start.
// The port is only released once the termination is queued; if queueing fails the service stays active.
func (m *Manager) Stop(ctx context.Context, project domain.Project, serviceType domain.ServiceType) (Acceptance, error) {
	key, err := serviceKey(project, serviceType)
	if err != nil {
		return Acceptance{}, err
	}
	unlock := m.locks.Lock(key.String())
	defer unlock()

	existing, err := m.services.GetService(ctx, key)
	if err != nil {
		return Acceptance{}, err
	}
	if existing == nil || !existing.Active {
		return Acceptance{Skipped: true, Descriptor: existing}, nil
	}

	stopped := m.inactiveCopy(existing)
	if err := m.services.SaveService(ctx, stopped); err != nil {
		return Acceptance{}, err
	}
	m.addresses.Delete(key.String())
	if err := m.queue.Enqueue(ctx, dispatch.Command{Kind: dispatch.Terminate, Descriptor: existing.Copy()}); err != nil {
		m.logRollback(existing, m.services.SaveService(ctx, existing))
		return Acceptance{}, err
	}
	if err := m.allocator.Release(ctx, existing.Type, existing.Port); err != nil {
		logging.WithStacktrace(m.logger.WithField("service", key.String()), err).
			Errorf("Could not release port %d", existing.Port)
	}
	m.logger.WithField("service", key.String()).Info("Stopping service")
	return Acceptance{Descriptor: stopped}, nil
}

func (m *Manager) inactiveCopy(descriptor *domain.ServiceDescriptor) *domain.ServiceDescriptor {
	inactive := descriptor.Copy()
	inactive.Active = false
	inactive.UpdatedAt = m.clock.Now()
	return inactive
}

// deactivate marks the descriptor inactive and releases its port. Must be called with the key locked.
func (m *Manager) deactivate(ctx context.Context, descriptor *domain.ServiceDescriptor) (*domain.ServiceDescriptor, error) {
	inactive := m.inactiveCopy(descriptor)
	if err := m.services.SaveService(ctx, inactive); err != nil {
		return nil, err
	}
	m.addresses.Delete(inactive.Key().String())
	if err := m.allocator.Release(ctx, inactive.Type, inactive.Port); err != nil {
		return nil, err
	}
	return inactive, nil
}

func (m *Manager) logRollback(descriptor *domain.ServiceDescriptor, err error) {
	if err != nil {
		logging.WithStacktrace(m.logger.WithField("service", descriptor.Key().String()), err).
			Error("Could not roll back service state")
	}
}

// ServiceURL returns the address the active service of the given type listens on.
// It holds the key lock so that an address is never cached for an instance a concurrent Stop just removed.
func (m *Manager) ServiceURL(ctx context.Context, project domain.Project, serviceType domain.ServiceType) (string, error) {
	key, err := serviceKey(project, serviceType)
	if err != nil {
		return "", err
	}
	unlock := m.locks.Lock(key.String())
	defer unlock()

	descriptor, err := m.services.GetService(ctx, key)
	if err != nil {
		return "", err
	}
	if descriptor == nil || !descriptor.Active {
		return "", errors.WithStack(&experrors.ErrNotFound{
			Type:    string(serviceType),
			Value:   project.UniqueName(),
			Message: "service is not running",
		})
	}
	if address, ok := m.addresses.Get(key.String()); ok {
		return address.(string), nil
	}
	address, err := m.resolver.ResolveAddress(ctx, descriptor)
	if err != nil {
		return "", err
	}
	if m.addressTTL > 0 {
		m.addresses.SetDefault(key.String(), address)
	}
	return address, nil
}

// ProxyPath is the path under which the reverse proxy forwards path to the service.
func (m *Manager) ProxyPath(ctx context.Context, project domain.Project, serviceType domain.ServiceType, path string) (string, error) {
	address, err := m.ServiceURL(ctx, project, serviceType)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/proxy/%s/%s/%s/%s/%s",
		address, serviceType, project.User, project.Name, strings.TrimPrefix(path, "/")), nil
}

// HandleCommandFailure is called by the dispatcher once a command has failed every attempt.
// A failed launch of the currently active instance leaves nothing running, so the service is deactivated.
func (m *Manager) HandleCommandFailure(ctx context.Context, command dispatch.Command, err error) {
	logger := m.logger.WithFields(log.Fields{
		"service": command.Descriptor.Key().String(),
		"command": command.Kind,
	})
	if command.Kind != dispatch.Launch {
		logging.WithStacktrace(logger, err).Warn("Service command failed")
		return
	}

	key := command.Descriptor.Key()
	unlock := m.locks.Lock(key.String())
	defer unlock()

	current, getErr := m.services.GetService(ctx, key)
	if getErr != nil {
		logging.WithStacktrace(logger, getErr).Error("Could not load service after failed launch")
		return
	}
	// a later start or stop already replaced the instance that failed
	if current == nil || !current.Active || current.Port != command.Descriptor.Port ||
		!current.UpdatedAt.Equal(command.Descriptor.UpdatedAt) {
		logging.WithStacktrace(logger, err).Warn("Launch failed for an outdated service instance")
		return
	}
	logging.WithStacktrace(logger, err).Error("Launch failed, marking service as stopped")
	if _, deactivateErr := m.deactivate(ctx, current); deactivateErr != nil {
		logging.WithStacktrace(logger, deactivateErr).Error("Could not deactivate service after failed launch")
	}
}

// RestorePorts claims the ports of every active service, for allocators that start empty.
func (m *Manager) RestorePorts(ctx context.Context) error {
	active, err := m.services.GetActiveServices(ctx)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, descriptor := range active {
		if err := m.allocator.Restore(ctx, descriptor.Type, descriptor.Port, descriptor.Key().String()); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if len(active) > 0 {
		m.logger.Infof("Restored ports of %d active services", len(active))
	}
	return result.ErrorOrNil()
}

// RecordPortUsage publishes the number of claimed ports per service type.
func (m *Manager) RecordPortUsage() {
	ctx := context.Background()
	for _, serviceType := range domain.ServiceTypes {
		n, err := m.allocator.InUse(ctx, serviceType)
		if err != nil {
			logging.WithStacktrace(m.logger, err).Warnf("Could not count %s ports in use", serviceType)
			continue
		}
		metrics.SetPortsInUse(serviceType, n)
	}
}

func serviceKey(project domain.Project, serviceType domain.ServiceType) (domain.ServiceKey, error) {
	if _, err := domain.ParseServiceType(string(serviceType)); err != nil {
		return domain.ServiceKey{}, err
	}
	if err := project.Validate(); err != nil {
		return domain.ServiceKey{}, err
	}
	return domain.ServiceKey{User: project.User, Project: project.Name, Type: serviceType}, nil
}

// isEmptyPayload is true for a missing body, null, and an empty object, whether or not it is wrapped under "config".
func isEmptyPayload(payload []byte) bool {
	trimmed := bytes.TrimSpace(unwrapConfig(payload))
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	var fields map[string]json.RawMessage
	return json.Unmarshal(trimmed, &fields) == nil && len(fields) == 0
}
