package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

func seedProject(t *testing.T, repo *Repository, id, sub string) domain.Project {
	t.Helper()
	p := domain.Project{ID: id, Name: id, GitURL: "https://example.com/" + id + ".git", SubDomain: sub, CreatedAt: time.Now()}
	require.NoError(t, repo.CreateProject(context.Background(), &p))
	return p
}

func TestCreateProjectRejectsDuplicateSubDomain(t *testing.T) {
	repo := New()
	seedProject(t, repo, "p1", "quiet-river-stone")

	dup := domain.Project{ID: "p2", SubDomain: "quiet-river-stone"}
	err := repo.CreateProject(context.Background(), &dup)
	assert.ErrorIs(t, err, repository.ErrConflict)

	got, err := repo.GetProjectBySubDomain(context.Background(), "quiet-river-stone")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)
}

func TestCreateDeploymentRequiresProject(t *testing.T) {
	repo := New()
	err := repo.CreateDeployment(context.Background(), &domain.Deployment{ID: "d1", ProjectID: "missing"})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestListDeploymentsOrdering(t *testing.T) {
	ctx := context.Background()
	repo := New()
	seedProject(t, repo, "p1", "sub")
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"d1", "d2", "d3"} {
		d := domain.Deployment{ID: id, ProjectID: "p1", Status: domain.DeploymentQueued, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, repo.CreateDeployment(ctx, &d))
	}

	latest, err := repo.ListDeploymentsByProject(ctx, "p1", true, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "d3", latest[0].ID)
	assert.Equal(t, "d2", latest[1].ID)

	oldest, err := repo.ListDeploymentsByProject(ctx, "p1", false, 0)
	require.NoError(t, err)
	require.Len(t, oldest, 3)
	assert.Equal(t, "d1", oldest[0].ID)
}

func TestTransitionAndLatestReady(t *testing.T) {
	ctx := context.Background()
	repo := New()
	seedProject(t, repo, "p1", "sub")
	base := time.Now()
	for i, id := range []string{"old", "new"} {
		d := domain.Deployment{ID: id, ProjectID: "p1", Status: domain.DeploymentQueued, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, repo.CreateDeployment(ctx, &d))
	}

	_, err := repo.LatestReadyDeployment(ctx, "p1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = repo.TransitionDeployment(ctx, domain.DeploymentStatusUpdate{DeploymentID: "old", Status: domain.DeploymentReady})
	assert.ErrorIs(t, err, repository.ErrInvalidTransition)

	for _, id := range []string{"old", "new"} {
		_, err = repo.TransitionDeployment(ctx, domain.DeploymentStatusUpdate{DeploymentID: id, Status: domain.DeploymentBuilding})
		require.NoError(t, err)
		_, err = repo.TransitionDeployment(ctx, domain.DeploymentStatusUpdate{DeploymentID: id, Status: domain.DeploymentReady})
		require.NoError(t, err)
	}

	ready, err := repo.LatestReadyDeployment(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "new", ready.ID)

	_, err = repo.TransitionDeployment(ctx, domain.DeploymentStatusUpdate{DeploymentID: "new", Status: domain.DeploymentFailed})
	assert.ErrorIs(t, err, repository.ErrInvalidTransition)

	_, err = repo.TransitionDeployment(ctx, domain.DeploymentStatusUpdate{DeploymentID: "ghost", Status: domain.DeploymentBuilding})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestNotifyReadyCallsHook(t *testing.T) {
	repo := New()
	var got string
	repo.OnReady(func(sub string) { got = sub })
	require.NoError(t, repo.NotifyReady(context.Background(), domain.Project{SubDomain: "brave-otter-cloud"}, domain.Deployment{}))
	assert.Equal(t, "brave-otter-cloud", got)
}
