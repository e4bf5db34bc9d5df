package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/shipyard/internal/dispatch"
	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

const (
	defaultSubmitTimeout = 30 * time.Second
	// failureRecordTimeout bounds marking a deployment FAILED after its dispatch
	// context has already expired.
	failureRecordTimeout = 10 * time.Second
)

// Registry creates and reads project and deployment records.
type Registry interface {
	Get(ctx context.Context, projectID string) (*domain.Project, error)
	CreateDeployment(ctx context.Context, projectID string) (*domain.Deployment, error)
}

// LogAppender records platform-generated lines in a deployment's build log.
type LogAppender interface {
	Append(ctx context.Context, event domain.LogEvent) error
}

// Service owns the deployment lifecycle: queueing builds, dispatching them and
// applying status transitions.
type Service struct {
	registry      Registry
	deployments   repository.DeploymentRepository
	notifier      repository.ReadyNotifier
	dispatcher    dispatch.Dispatcher
	logs          LogAppender
	logger        *slog.Logger
	submitTimeout time.Duration
	inflight      *sync.WaitGroup
}

// Option customises the Service.
type Option func(*Service)

// WithSubmitTimeout bounds each asynchronous dispatch.
func WithSubmitTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.submitTimeout = d
		}
	}
}

// WithLogAppender writes dispatch failures into the deployment's log.
func WithLogAppender(l LogAppender) Option {
	return func(s *Service) { s.logs = l }
}

// New returns a deployment service.
func New(registry Registry, deployments repository.DeploymentRepository, notifier repository.ReadyNotifier, dispatcher dispatch.Dispatcher, logger *slog.Logger, opts ...Option) Service {
	s := Service{
		registry:      registry,
		deployments:   deployments,
		notifier:      notifier,
		dispatcher:    dispatcher,
		logger:        logger,
		submitTimeout: defaultSubmitTimeout,
		inflight:      &sync.WaitGroup{},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Trigger queues a deployment and hands it to the dispatcher in the background.
// The returned deployment is QUEUED; a dispatch failure later moves it to FAILED.
func (s Service) Trigger(ctx context.Context, projectID string) (*domain.Deployment, error) {
	project, err := s.registry.Get(ctx, strings.TrimSpace(projectID))
	if err != nil {
		return nil, err
	}
	deployment, err := s.registry.CreateDeployment(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	job := dispatch.Job{DeploymentID: deployment.ID, ProjectID: project.ID, GitURL: project.GitURL}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.submit(job)
	}()
	return deployment, nil
}

func (s Service) submit(job dispatch.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), s.submitTimeout)
	defer cancel()
	err := s.dispatcher.Submit(ctx, job)
	if err == nil {
		s.logger.Info("build dispatched", "deployment_id", job.DeploymentID, "project_id", job.ProjectID)
		return
	}
	s.logger.Error("build dispatch failed", "deployment_id", job.DeploymentID, "project_id", job.ProjectID, "error", err)
	s.recordDispatchFailure(ctx, job, err)
}

// recordDispatchFailure marks the deployment FAILED. ctx may already be past its
// deadline when Submit timed out, so the writes get their own budget.
func (s Service) recordDispatchFailure(parent context.Context, job dispatch.Job, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), failureRecordTimeout)
	defer cancel()
	reason := fmt.Sprintf("dispatch failed: %v", err)
	if _, terr := s.Transition(ctx, job.DeploymentID, domain.DeploymentFailed, reason); terr != nil {
		s.logger.Error("mark deployment failed", "deployment_id", job.DeploymentID, "error", terr)
	}
	if s.logs != nil {
		event := domain.LogEvent{
			EventID:      uuid.NewString(),
			DeploymentID: job.DeploymentID,
			Log:          "Build could not be started: " + err.Error(),
			Timestamp:    time.Now().UTC(),
		}
		if lerr := s.logs.Append(ctx, event); lerr != nil {
			s.logger.Warn("append dispatch failure log", "deployment_id", job.DeploymentID, "error", lerr)
		}
	}
}

// Wait blocks until background dispatches finish.
func (s Service) Wait() {
	s.inflight.Wait()
}

// Get returns a deployment by id.
func (s Service) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	deploymentID = strings.TrimSpace(deploymentID)
	if deploymentID == "" {
		return nil, repository.ErrNotFound
	}
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

// Transition moves a deployment forward. Repeating the current status is a no-op;
// backward moves return repository.ErrInvalidTransition. A READY transition
// announces the project so routers drop their cached target.
func (s Service) Transition(ctx context.Context, deploymentID string, next domain.DeploymentStatus, reason string) (*domain.Deployment, error) {
	updated, err := s.deployments.TransitionDeployment(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: deploymentID,
		Status:       next,
		Error:        reason,
	})
	if errors.Is(err, repository.ErrInvalidTransition) {
		current, getErr := s.deployments.GetDeploymentByID(ctx, deploymentID)
		if getErr == nil && current.Status == next {
			return current, nil
		}
		if getErr == nil {
			return nil, fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, current.Status, next)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("deployment status changed", "deployment_id", updated.ID, "project_id", updated.ProjectID, "status", updated.Status)

	if updated.Status == domain.DeploymentReady && s.notifier != nil {
		project, err := s.registry.Get(ctx, updated.ProjectID)
		if err != nil {
			s.logger.Warn("ready notification skipped", "deployment_id", updated.ID, "error", err)
			return updated, nil
		}
		if err := s.notifier.NotifyReady(ctx, *project, *updated); err != nil {
			s.logger.Warn("ready notification failed", "deployment_id", updated.ID, "sub_domain", project.SubDomain, "error", err)
		}
	}
	return updated, nil
}

// ApplyStatus adapts Transition to the log consumer's status hook.
func (s Service) ApplyStatus(ctx context.Context, deploymentID string, status domain.DeploymentStatus, reason string) error {
	_, err := s.Transition(ctx, deploymentID, status, reason)
	return err
}

// Cancel stops a QUEUED or BUILDING deployment and tears down its build.
func (s Service) Cancel(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	updated, err := s.Transition(ctx, deploymentID, domain.DeploymentCancelled, "cancelled by user")
	if err != nil {
		return nil, err
	}
	if err := s.dispatcher.Cancel(ctx, deploymentID); err != nil {
		s.logger.Warn("cancel build job", "deployment_id", deploymentID, "error", err)
	}
	return updated, nil
}
