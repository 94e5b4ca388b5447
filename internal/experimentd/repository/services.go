package repository

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis"
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/G-Research/experimentd/internal/experimentd/domain"
)

const (
	servicesTable = "services"
	activeIndex   = "active"

	servicesKey = "Services"
)

// ServiceRepository stores at most one descriptor per project and service type.
type ServiceRepository interface {
	// GetService returns nil if the project never had a service of this type.
	GetService(ctx context.Context, key domain.ServiceKey) (*domain.ServiceDescriptor, error)
	SaveService(ctx context.Context, descriptor *domain.ServiceDescriptor) error
	GetActiveServices(ctx context.Context) ([]*domain.ServiceDescriptor, error)
}

type serviceRow struct {
	Key        string
	Active     bool
	Descriptor *domain.ServiceDescriptor
}

type MemServiceRepository struct {
	db *memdb.MemDB
}

func NewMemServiceRepository() (*MemServiceRepository, error) {
	db, err := memdb.NewMemDB(servicesSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemServiceRepository{db: db}, nil
}

func (r *MemServiceRepository) GetService(_ context.Context, key domain.ServiceKey) (*domain.ServiceDescriptor, error) {
	txn := r.db.Txn(false)
	obj, err := txn.First(servicesTable, idIndex, key.String())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*serviceRow).Descriptor.Copy(), nil
}

func (r *MemServiceRepository) SaveService(_ context.Context, descriptor *domain.ServiceDescriptor) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	row := &serviceRow{
		Key:        descriptor.Key().String(),
		Active:     descriptor.Active,
		Descriptor: descriptor.Copy(),
	}
	if err := txn.Insert(servicesTable, row); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (r *MemServiceRepository) GetActiveServices(_ context.Context) ([]*domain.ServiceDescriptor, error) {
	txn := r.db.Txn(false)
	iter, err := txn.Get(servicesTable, activeIndex, true)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*domain.ServiceDescriptor, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		result = append(result, obj.(*serviceRow).Descriptor.Copy())
	}
	return result, nil
}

func servicesSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			servicesTable: {
				Name: servicesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					activeIndex: {
						Name:    activeIndex,
						Unique:  false,
						Indexer: &memdb.BoolFieldIndex{Field: "Active"},
					},
				},
			},
		},
	}
}

// RedisServiceRepository stores descriptors as JSON in a single redis hash keyed by project and service type,
// so that every replica sees the same services.
type RedisServiceRepository struct {
	db redis.UniversalClient
}

func NewRedisServiceRepository(db redis.UniversalClient) *RedisServiceRepository {
	return &RedisServiceRepository{db: db}
}

func (r *RedisServiceRepository) GetService(_ context.Context, key domain.ServiceKey) (*domain.ServiceDescriptor, error) {
	data, err := r.db.HGet(servicesKey, key.String()).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	descriptor := &domain.ServiceDescriptor{}
	if err := json.Unmarshal(data, descriptor); err != nil {
		return nil, errors.Wrapf(err, "corrupt service descriptor %s", key)
	}
	return descriptor, nil
}

func (r *RedisServiceRepository) SaveService(_ context.Context, descriptor *domain.ServiceDescriptor) error {
	data, err := json.Marshal(descriptor)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(r.db.HSet(servicesKey, descriptor.Key().String(), data).Err())
}

func (r *RedisServiceRepository) GetActiveServices(_ context.Context) ([]*domain.ServiceDescriptor, error) {
	all, err := r.db.HGetAll(servicesKey).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*domain.ServiceDescriptor, 0)
	for key, data := range all {
		descriptor := &domain.ServiceDescriptor{}
		if err := json.Unmarshal([]byte(data), descriptor); err != nil {
			return nil, errors.Wrapf(err, "corrupt service descriptor %s", key)
		}
		if descriptor.Active {
			result = append(result, descriptor)
		}
	}
	return result, nil
}

func HealthCheck(db redis.UniversalClient) error {
	_, err := db.Ping().Result()
	if err != nil {
		return errors.Wrap(err, "redis health check failed")
	}
	return nil
}
