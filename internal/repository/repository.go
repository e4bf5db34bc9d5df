package repository

import (
	"context"

	"github.com/splax/shipyard/internal/domain"
)

// ProjectRepository persists project records.
type ProjectRepository interface {
	// CreateProject inserts a project. A duplicate sub_domain yields ErrConflict.
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	GetProjectBySubDomain(ctx context.Context, subDomain string) (*domain.Project, error)
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	// CreateDeployment inserts a deployment. An unknown project yields ErrNotFound.
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, latestFirst bool, limit int) ([]domain.Deployment, error)
	LatestReadyDeployment(ctx context.Context, projectID string) (*domain.Deployment, error)
	// TransitionDeployment applies update only when the stored status may move to
	// update.Status. It returns the updated record, ErrNotFound, or ErrInvalidTransition.
	TransitionDeployment(ctx context.Context, update domain.DeploymentStatusUpdate) (*domain.Deployment, error)
}

// ReadyNotifier announces that a project has a new READY deployment.
type ReadyNotifier interface {
	NotifyReady(ctx context.Context, project domain.Project, deployment domain.Deployment) error
}

// DefaultListLimit applies when a list call passes a non-positive limit.
const DefaultListLimit = 20
