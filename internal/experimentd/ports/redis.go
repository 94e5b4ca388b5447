package ports

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/G-Research/experimentd/internal/common/config"
	"github.com/G-Research/experimentd/internal/common/experrors"
	"github.com/G-Research/experimentd/internal/experimentd/domain"
)

const portsPrefix = "Ports:"

// RedisAllocator keeps port claims in one redis hash per service type, mapping port to owner.
// Claims are made with HSETNX so replicas sharing the same redis never hand out the same port.
type RedisAllocator struct {
	db     redis.UniversalClient
	ranges map[domain.ServiceType]config.PortRange
	// serialises allocations of this replica per type; cross-replica safety comes from HSETNX
	locks map[domain.ServiceType]*sync.Mutex
}

func NewRedisAllocator(db redis.UniversalClient, ranges map[domain.ServiceType]config.PortRange) *RedisAllocator {
	locks := make(map[domain.ServiceType]*sync.Mutex, len(ranges))
	for serviceType := range ranges {
		locks[serviceType] = &sync.Mutex{}
	}
	return &RedisAllocator{db: db, ranges: ranges, locks: locks}
}

func (a *RedisAllocator) lookup(serviceType domain.ServiceType) (config.PortRange, *sync.Mutex, error) {
	r, ok := a.ranges[serviceType]
	if !ok {
		return config.PortRange{}, nil, errors.Errorf("no port range configured for service type %q", serviceType)
	}
	return r, a.locks[serviceType], nil
}

func (a *RedisAllocator) Allocate(_ context.Context, serviceType domain.ServiceType, owner string) (int, error) {
	ports, lock, err := a.lookup(serviceType)
	if err != nil {
		return 0, err
	}
	lock.Lock()
	defer lock.Unlock()

	key := portsKey(serviceType)
	claimed, err := a.db.HKeys(key).Result()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	taken := make(map[int]bool, len(claimed))
	for _, p := range claimed {
		if port, err := strconv.Atoi(p); err == nil {
			taken[port] = true
		}
	}

	for port := ports.Low; port < ports.High; port++ {
		if taken[port] {
			continue
		}
		ok, err := a.db.HSetNX(key, strconv.Itoa(port), owner).Result()
		if err != nil {
			return 0, errors.WithStack(err)
		}
		if ok {
			return port, nil
		}
	}
	return 0, errors.WithStack(&experrors.ErrExhaustedRange{
		ServiceType: string(serviceType),
		Low:         ports.Low,
		High:        ports.High,
	})
}

func (a *RedisAllocator) Release(_ context.Context, serviceType domain.ServiceType, port int) error {
	if _, _, err := a.lookup(serviceType); err != nil {
		return err
	}
	return errors.WithStack(a.db.HDel(portsKey(serviceType), strconv.Itoa(port)).Err())
}

func (a *RedisAllocator) Restore(_ context.Context, serviceType domain.ServiceType, port int, owner string) error {
	ports, _, err := a.lookup(serviceType)
	if err != nil {
		return err
	}
	if !ports.Contains(port) {
		return errors.Errorf("port %d is outside the %s range %s", port, serviceType, ports)
	}
	key := portsKey(serviceType)
	ok, err := a.db.HSetNX(key, strconv.Itoa(port), owner).Result()
	if err != nil {
		return errors.WithStack(err)
	}
	if ok {
		return nil
	}
	current, err := a.db.HGet(key, strconv.Itoa(port)).Result()
	if err != nil {
		return errors.WithStack(err)
	}
	if current != owner {
		return errors.WithStack(&experrors.ErrAlreadyExists{
			Type:    "port",
			Value:   portValue(serviceType, port),
			Message: "claimed by " + current,
		})
	}
	return nil
}

func (a *RedisAllocator) InUse(_ context.Context, serviceType domain.ServiceType) (int, error) {
	if _, _, err := a.lookup(serviceType); err != nil {
		return 0, err
	}
	n, err := a.db.HLen(portsKey(serviceType)).Result()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int(n), nil
}

func portsKey(serviceType domain.ServiceType) string {
	return portsPrefix + string(serviceType)
}

func portValue(serviceType domain.ServiceType, port int) string {
	return fmt.Sprintf("%s:%d", serviceType, port)
}
