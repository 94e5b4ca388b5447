package scheduler

import (
	"context"

	"github.com/G-Research/experimentd/internal/experimentd/domain"
)

// Scheduler runs auxiliary services on the cluster. Launch and Terminate return once the cluster has
// accepted the request; neither waits for the service to become ready or to go away.
type Scheduler interface {
	Launch(ctx context.Context, descriptor *domain.ServiceDescriptor) error
	Terminate(ctx context.Context, descriptor *domain.ServiceDescriptor) error
	// ResolveAddress returns host:port of a launched service, or ErrNotFound.
	ResolveAddress(ctx context.Context, descriptor *domain.ServiceDescriptor) (string, error)
}
