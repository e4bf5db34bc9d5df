package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgInvalidText         = "22P02"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool         *pgxpool.Pool
	readyChannel string
}

// New constructs a Repository. readyChannel names the NOTIFY channel used to
// announce READY deployments.
func New(pool *pgxpool.Pool, readyChannel string) *Repository {
	return &Repository{pool: pool, readyChannel: strings.TrimSpace(readyChannel)}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.ReadyNotifier        = (*Repository)(nil)
)

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, git_url, sub_domain, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, project.ID, project.Name, project.GitURL, project.SubDomain, project.CreatedAt)
	return mapError(err)
}

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, git_url, sub_domain, created_at FROM projects WHERE id = $1`
	return scanProject(r.pool.QueryRow(ctx, query, projectID))
}

// GetProjectBySubDomain fetches the project routed from subDomain.
func (r *Repository) GetProjectBySubDomain(ctx context.Context, subDomain string) (*domain.Project, error) {
	const query = `SELECT id, name, git_url, sub_domain, created_at FROM projects WHERE sub_domain = $1`
	return scanProject(r.pool.QueryRow(ctx, query, subDomain))
}

// CreateDeployment inserts a deployment row.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, status, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.ProjectID,
		string(deployment.Status),
		deployment.Error,
		deployment.CreatedAt,
		deployment.UpdatedAt,
	)
	return mapError(err)
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT id, project_id, status, error, created_at, updated_at
		FROM deployments WHERE id = $1`
	return scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
}

// ListDeploymentsByProject fetches deployments for a project ordered by creation time.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, latestFirst bool, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = repository.DefaultListLimit
	}
	order := "ASC"
	if latestFirst {
		order = "DESC"
	}
	query := fmt.Sprintf(`SELECT id, project_id, status, error, created_at, updated_at
		FROM deployments WHERE project_id = $1 ORDER BY created_at %s, id %s LIMIT $2`, order, order)
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		var d domain.Deployment
		var status string
		if err := rows.Scan(&d.ID, &d.ProjectID, &status, &d.Error, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Status = domain.DeploymentStatus(status)
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// LatestReadyDeployment returns the most recently created READY deployment of a project.
func (r *Repository) LatestReadyDeployment(ctx context.Context, projectID string) (*domain.Deployment, error) {
	const query = `SELECT id, project_id, status, error, created_at, updated_at
		FROM deployments WHERE project_id = $1 AND status = $2
		ORDER BY created_at DESC, id DESC LIMIT 1`
	return scanDeployment(r.pool.QueryRow(ctx, query, projectID, string(domain.DeploymentReady)))
}

// TransitionDeployment moves a deployment forward when the stored status allows it.
func (r *Repository) TransitionDeployment(ctx context.Context, update domain.DeploymentStatusUpdate) (*domain.Deployment, error) {
	sources := update.Status.Sources()
	if len(sources) == 0 {
		return nil, repository.ErrInvalidTransition
	}
	from := make([]string, 0, len(sources))
	for _, s := range sources {
		from = append(from, string(s))
	}
	const query = `UPDATE deployments
		SET status = $2,
			error = COALESCE($3::text, error),
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($4::text[])
		RETURNING id, project_id, status, error, created_at, updated_at`
	updated, err := scanDeployment(r.pool.QueryRow(ctx, query,
		update.DeploymentID,
		string(update.Status),
		emptyToNil(update.Error),
		from,
	))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	// Nothing matched: distinguish an unknown id from a rejected transition.
	if _, getErr := r.GetDeploymentByID(ctx, update.DeploymentID); getErr != nil {
		return nil, getErr
	}
	return nil, repository.ErrInvalidTransition
}

// NotifyReady publishes the project's subdomain on the ready channel.
func (r *Repository) NotifyReady(ctx context.Context, project domain.Project, deployment domain.Deployment) error {
	if r.readyChannel == "" {
		return nil
	}
	_, err := r.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, r.readyChannel, project.SubDomain)
	return err
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var project domain.Project
	if err := row.Scan(&project.ID, &project.Name, &project.GitURL, &project.SubDomain, &project.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &project, nil
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	var status string
	if err := row.Scan(&d.ID, &d.ProjectID, &status, &d.Error, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	d.Status = domain.DeploymentStatus(status)
	return &d, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", repository.ErrConflict, pgErr.ConstraintName)
		case pgForeignKeyViolation, pgInvalidText:
			// Unknown or malformed references are reported as missing rows.
			return repository.ErrNotFound
		}
	}
	return err
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
