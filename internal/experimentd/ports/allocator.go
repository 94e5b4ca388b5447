package ports

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/G-Research/experimentd/internal/common/config"
	"github.com/G-Research/experimentd/internal/common/experrors"
	"github.com/G-Research/experimentd/internal/experimentd/domain"
)

// PortAllocator hands out ports from a fixed range per service type.
// No two claimed ports of the same type are ever equal.
type PortAllocator interface {
	// Allocate claims a free port of serviceType's range for owner.
	Allocate(ctx context.Context, serviceType domain.ServiceType, owner string) (int, error)
	// Release frees port. Releasing a port that isn't claimed is a no-op.
	Release(ctx context.Context, serviceType domain.ServiceType, port int) error
	// Restore re-claims port for owner, e.g. for services that were active before a restart of the process.
	Restore(ctx context.Context, serviceType domain.ServiceType, port int, owner string) error
	// InUse returns the number of claimed ports of serviceType.
	InUse(ctx context.Context, serviceType domain.ServiceType) (int, error)
}

// Ranges returns the port range of every service type.
func Ranges(tensorboard, notebook config.PortRange) map[domain.ServiceType]config.PortRange {
	return map[domain.ServiceType]config.PortRange{
		domain.Tensorboard: tensorboard,
		domain.Notebook:    notebook,
	}
}

type portPool struct {
	mu     sync.Mutex
	ports  config.PortRange
	owners map[int]string
	// offset into the range at which the next scan starts
	next int
}

// Allocator keeps port claims in memory. Each service type has its own lock so allocations of
// different types never contend.
type Allocator struct {
	pools map[domain.ServiceType]*portPool
}

func NewAllocator(ranges map[domain.ServiceType]config.PortRange) *Allocator {
	pools := make(map[domain.ServiceType]*portPool, len(ranges))
	for serviceType, r := range ranges {
		pools[serviceType] = &portPool{ports: r, owners: map[int]string{}}
	}
	return &Allocator{pools: pools}
}

func (a *Allocator) pool(serviceType domain.ServiceType) (*portPool, error) {
	pool, ok := a.pools[serviceType]
	if !ok {
		return nil, errors.Errorf("no port range configured for service type %q", serviceType)
	}
	return pool, nil
}

func (a *Allocator) Allocate(_ context.Context, serviceType domain.ServiceType, owner string) (int, error) {
	pool, err := a.pool(serviceType)
	if err != nil {
		return 0, err
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()

	size := pool.ports.Size()
	for i := 0; i < size; i++ {
		offset := (pool.next + i) % size
		port := pool.ports.Low + offset
		if _, taken := pool.owners[port]; !taken {
			pool.owners[port] = owner
			pool.next = (offset + 1) % size
			return port, nil
		}
	}
	return 0, errors.WithStack(&experrors.ErrExhaustedRange{
		ServiceType: string(serviceType),
		Low:         pool.ports.Low,
		High:        pool.ports.High,
	})
}

func (a *Allocator) Release(_ context.Context, serviceType domain.ServiceType, port int) error {
	pool, err := a.pool(serviceType)
	if err != nil {
		return err
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	delete(pool.owners, port)
	return nil
}

func (a *Allocator) Restore(_ context.Context, serviceType domain.ServiceType, port int, owner string) error {
	pool, err := a.pool(serviceType)
	if err != nil {
		return err
	}
	if !pool.ports.Contains(port) {
		return errors.Errorf("port %d is outside the %s range %s", port, serviceType, pool.ports)
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if current, taken := pool.owners[port]; taken && current != owner {
		return errors.WithStack(&experrors.ErrAlreadyExists{
			Type:    "port",
			Value:   portValue(serviceType, port),
			Message: "claimed by " + current,
		})
	}
	pool.owners[port] = owner
	return nil
}

func (a *Allocator) InUse(_ context.Context, serviceType domain.ServiceType) (int, error) {
	pool, err := a.pool(serviceType)
	if err != nil {
		return 0, err
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.owners), nil
}
