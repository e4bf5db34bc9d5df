// Package memory provides in-process implementations of the repository interfaces
// for tests and single-node development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

// Repository stores projects and deployments in maps guarded by a RWMutex.
type Repository struct {
	mu          sync.RWMutex
	projects    map[string]domain.Project
	bySub       map[string]string
	deployments map[string]domain.Deployment
	byProject   map[string][]string
	onReady     func(subDomain string)
	now         func() time.Time
}

var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.ReadyNotifier        = (*Repository)(nil)
)

// New returns an empty Repository.
func New() *Repository {
	return &Repository{
		projects:    make(map[string]domain.Project),
		bySub:       make(map[string]string),
		deployments: make(map[string]domain.Deployment),
		byProject:   make(map[string][]string),
		now:         time.Now,
	}
}

// OnReady registers fn to receive the subdomain of every READY notification.
func (r *Repository) OnReady(fn func(subDomain string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReady = fn
}

// CreateProject inserts a project.
func (r *Repository) CreateProject(_ context.Context, project *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[project.ID]; ok {
		return fmt.Errorf("%w: projects_pkey", repository.ErrConflict)
	}
	if _, ok := r.bySub[project.SubDomain]; ok {
		return fmt.Errorf("%w: projects_sub_domain_key", repository.ErrConflict)
	}
	r.projects[project.ID] = *project
	r.bySub[project.SubDomain] = project.ID
	return nil
}

// GetProjectByID fetches a project.
func (r *Repository) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	project, ok := r.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &project, nil
}

// GetProjectBySubDomain fetches a project by routing label.
func (r *Repository) GetProjectBySubDomain(_ context.Context, subDomain string) (*domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySub[subDomain]
	if !ok {
		return nil, repository.ErrNotFound
	}
	project := r.projects[id]
	return &project, nil
}

// CreateDeployment inserts a deployment for an existing project.
func (r *Repository) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[deployment.ProjectID]; !ok {
		return repository.ErrNotFound
	}
	if _, ok := r.deployments[deployment.ID]; ok {
		return fmt.Errorf("%w: deployments_pkey", repository.ErrConflict)
	}
	r.deployments[deployment.ID] = *deployment
	r.byProject[deployment.ProjectID] = append(r.byProject[deployment.ProjectID], deployment.ID)
	return nil
}

// GetDeploymentByID fetches a deployment.
func (r *Repository) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

// ListDeploymentsByProject returns deployments ordered by creation time.
func (r *Repository) ListDeploymentsByProject(_ context.Context, projectID string, latestFirst bool, limit int) ([]domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 {
		limit = repository.DefaultListLimit
	}
	out := r.sortedLocked(projectID, latestFirst)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LatestReadyDeployment returns the newest READY deployment of a project.
func (r *Repository) LatestReadyDeployment(_ context.Context, projectID string) (*domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.sortedLocked(projectID, true) {
		if d.Status == domain.DeploymentReady {
			return &d, nil
		}
	}
	return nil, repository.ErrNotFound
}

// TransitionDeployment applies a forward status change.
func (r *Repository) TransitionDeployment(_ context.Context, update domain.DeploymentStatusUpdate) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[update.DeploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !d.Status.CanTransition(update.Status) {
		return nil, repository.ErrInvalidTransition
	}
	d.Status = update.Status
	if update.Error != "" {
		d.Error = update.Error
	}
	d.UpdatedAt = r.now().UTC()
	r.deployments[d.ID] = d
	return &d, nil
}

// NotifyReady forwards the subdomain to the registered callback.
func (r *Repository) NotifyReady(_ context.Context, project domain.Project, _ domain.Deployment) error {
	r.mu.RLock()
	fn := r.onReady
	r.mu.RUnlock()
	if fn != nil {
		fn(project.SubDomain)
	}
	return nil
}

// sortedLocked orders by created_at, falling back to insertion order on ties.
func (r *Repository) sortedLocked(projectID string, latestFirst bool) []domain.Deployment {
	ids := r.byProject[projectID]
	type entry struct {
		seq int
		d   domain.Deployment
	}
	entries := make([]entry, 0, len(ids))
	for i, id := range ids {
		entries = append(entries, entry{seq: i, d: r.deployments[id]})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.d.CreatedAt.Equal(b.d.CreatedAt) {
			if latestFirst {
				return a.d.CreatedAt.After(b.d.CreatedAt)
			}
			return a.d.CreatedAt.Before(b.d.CreatedAt)
		}
		if latestFirst {
			return a.seq > b.seq
		}
		return a.seq < b.seq
	})
	out := make([]domain.Deployment, len(entries))
	for i, e := range entries {
		out[i] = e.d
	}
	return out
}
