package edge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

var (
	// ErrProjectNotFound reports an unknown subdomain.
	ErrProjectNotFound = errors.New("project not found")
	// ErrNoReadyDeployment reports a project with nothing routable yet.
	ErrNoReadyDeployment = errors.New("no ready deployment")
)

// Lookup reads the registry.
type Lookup interface {
	GetProjectBySubDomain(ctx context.Context, subDomain string) (*domain.Project, error)
	LatestReadyDeployment(ctx context.Context, projectID string) (*domain.Deployment, error)
}

// Resolver maps a subdomain to the newest READY deployment of its project.
type Resolver struct {
	lookup  Lookup
	cache   *Cache
	timeout time.Duration
}

// NewResolver builds a resolver. cache may be nil.
func NewResolver(lookup Lookup, cache *Cache, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Resolver{lookup: lookup, cache: cache, timeout: timeout}
}

// Resolve returns the target for subDomain and whether it came from cache.
func (r *Resolver) Resolve(ctx context.Context, subDomain string) (Target, bool, error) {
	return r.cache.Get(ctx, subDomain, func(ctx context.Context) (Target, error) {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.lookupTarget(ctx, subDomain)
	})
}

// Invalidate forgets the cached target for subDomain.
func (r *Resolver) Invalidate(subDomain string) {
	r.cache.Invalidate(subDomain)
}

// InvalidateAll forgets every cached target.
func (r *Resolver) InvalidateAll() {
	r.cache.InvalidateAll()
}

func (r *Resolver) lookupTarget(ctx context.Context, subDomain string) (Target, error) {
	project, err := r.lookup.GetProjectBySubDomain(ctx, subDomain)
	if errors.Is(err, repository.ErrNotFound) {
		return Target{}, ErrProjectNotFound
	}
	if err != nil {
		return Target{}, fmt.Errorf("lookup project: %w", err)
	}
	deployment, err := r.lookup.LatestReadyDeployment(ctx, project.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return Target{}, ErrNoReadyDeployment
	}
	if err != nil {
		return Target{}, fmt.Errorf("lookup deployment: %w", err)
	}
	return Target{ProjectID: project.ID, SubDomain: project.SubDomain, DeploymentID: deployment.ID}, nil
}
