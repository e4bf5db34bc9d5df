package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/slug"
)

const defaultSlugAttempts = 5

// ErrSlugExhausted is returned when every generated subdomain collided.
var ErrSlugExhausted = errors.New("could not allocate a unique subdomain")

// SlugGenerator yields candidate subdomains.
type SlugGenerator interface {
	Next() string
}

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	Name   string `json:"name"`
	GitURL string `json:"gitURL"`
}

// Validate checks the input and reports field-level errors.
func (in CreateInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Name, validation.Required, validation.Length(1, 100)),
		validation.Field(&in.GitURL, validation.Required, validation.Length(1, 2048), validation.By(gitURL)),
	)
}

var scpLike = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:[A-Za-z0-9._/~-]+$`)

func gitURL(value any) error {
	raw, _ := value.(string)
	raw = strings.TrimSpace(raw)
	if scpLike.MatchString(raw) {
		return nil
	}
	if err := is.URL.Validate(raw); err != nil {
		return err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return validation.NewError("validation_is_git_url", "must be a git repository URL")
	}
	switch u.Scheme {
	case "http", "https", "ssh", "git":
		return nil
	}
	return validation.NewError("validation_is_git_url", "must use http, https, ssh or git")
}

// Service is the deployment registry: projects and their deployment records.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	slugs       SlugGenerator
	attempts    int
	logger      *slog.Logger
	now         func() time.Time
}

// Option customises the Service.
type Option func(*Service)

// WithSlugGenerator overrides the subdomain generator.
func WithSlugGenerator(g SlugGenerator) Option {
	return func(s *Service) { s.slugs = g }
}

// WithSlugAttempts bounds subdomain allocation retries.
func WithSlugAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a project service.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, logger *slog.Logger, opts ...Option) Service {
	s := Service{
		projects:    projects,
		deployments: deployments,
		slugs:       slug.New(),
		attempts:    defaultSlugAttempts,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Create validates input and registers a project under a freshly generated subdomain.
// A subdomain collision is retried with a new slug.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Project, error) {
	input.Name = strings.TrimSpace(input.Name)
	input.GitURL = strings.TrimSpace(input.GitURL)
	if err := input.Validate(); err != nil {
		return nil, err
	}
	for attempt := 1; attempt <= s.attempts; attempt++ {
		project := &domain.Project{
			ID:        uuid.NewString(),
			Name:      input.Name,
			GitURL:    input.GitURL,
			SubDomain: s.slugs.Next(),
			CreatedAt: s.now().UTC(),
		}
		err := s.projects.CreateProject(ctx, project)
		if err == nil {
			s.logger.Info("project created", "project_id", project.ID, "sub_domain", project.SubDomain)
			return project, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, err
		}
		s.logger.Warn("subdomain collision", "sub_domain", project.SubDomain, "attempt", attempt)
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrSlugExhausted, s.attempts)
}

// Get returns project details by identifier.
func (s Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, repository.ErrNotFound
	}
	return s.projects.GetProjectByID(ctx, projectID)
}

// GetBySubDomain returns the project routed from subDomain.
func (s Service) GetBySubDomain(ctx context.Context, subDomain string) (*domain.Project, error) {
	subDomain = strings.ToLower(strings.TrimSpace(subDomain))
	if !slug.Valid(subDomain) {
		return nil, repository.ErrNotFound
	}
	return s.projects.GetProjectBySubDomain(ctx, subDomain)
}

// CreateDeployment records a QUEUED deployment for an existing project.
func (s Service) CreateDeployment(ctx context.Context, projectID string) (*domain.Deployment, error) {
	project, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	deployment := &domain.Deployment{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Status:    domain.DeploymentQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, err
	}
	s.logger.Info("deployment queued", "deployment_id", deployment.ID, "project_id", project.ID)
	return deployment, nil
}

// ListDeployments returns a project's deployments, newest first when latestFirst.
func (s Service) ListDeployments(ctx context.Context, projectID string, latestFirst bool, limit int) ([]domain.Deployment, error) {
	if _, err := s.Get(ctx, projectID); err != nil {
		return nil, err
	}
	return s.deployments.ListDeploymentsByProject(ctx, projectID, latestFirst, limit)
}

// LatestDeployment returns the most recently created deployment of any status.
func (s Service) LatestDeployment(ctx context.Context, projectID string) (*domain.Deployment, error) {
	items, err := s.deployments.ListDeploymentsByProject(ctx, projectID, true, 1)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, repository.ErrNotFound
	}
	return &items[0], nil
}

// LatestReadyDeployment returns the routable deployment of a project.
func (s Service) LatestReadyDeployment(ctx context.Context, projectID string) (*domain.Deployment, error) {
	return s.deployments.LatestReadyDeployment(ctx, projectID)
}
