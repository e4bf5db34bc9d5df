// Package dispatch submits build jobs to an external compute backend.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// Environment variable names read by the build worker image.
const (
	EnvGitURL       = "GIT_REPOSITORY__URL"
	EnvProjectID    = "PROJECT_ID"
	EnvDeploymentID = "DEPLOYMENT_ID"
	EnvKafkaBroker  = "KAFKA_BROKER"
	// Older worker images read the misspelled key.
	envLegacyDeploymentID = "DEPLOYEMENT_ID"
)

// ErrInvalidJob is returned for jobs missing required fields.
var ErrInvalidJob = errors.New("dispatch: deployment id and git url are required")

// Job describes one build.
type Job struct {
	DeploymentID string
	ProjectID    string
	GitURL       string
}

func (j Job) validate() error {
	if strings.TrimSpace(j.DeploymentID) == "" || strings.TrimSpace(j.GitURL) == "" {
		return ErrInvalidJob
	}
	return nil
}

// Dispatcher starts builds on a compute backend. Submit returns once the backend has
// accepted the job; it does not wait for the build.
type Dispatcher interface {
	Submit(ctx context.Context, job Job) error
	Cancel(ctx context.Context, deploymentID string) error
}

// EnvVar is a name/value pair passed to the worker.
type EnvVar struct {
	Name  string
	Value string
}

// Environment returns the worker environment for job.
func Environment(job Job, broker string) []EnvVar {
	return []EnvVar{
		{Name: EnvGitURL, Value: job.GitURL},
		{Name: EnvProjectID, Value: job.ProjectID},
		{Name: EnvDeploymentID, Value: job.DeploymentID},
		{Name: envLegacyDeploymentID, Value: job.DeploymentID},
		{Name: EnvKafkaBroker, Value: broker},
	}
}

// jobName derives a DNS-1123 compatible resource name.
func jobName(deploymentID string) string {
	name := strings.ToLower(strings.TrimSpace(deploymentID))
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	name = strings.Trim(b.String(), "-")
	if name == "" {
		return ""
	}
	name = "build-" + name
	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "-")
	}
	return name
}

// Logging records jobs without running them; used when no compute backend is
// configured.
type Logging struct {
	log *slog.Logger
}

// NewLogging returns a dispatcher that only logs.
func NewLogging(logger *slog.Logger) *Logging {
	return &Logging{log: logger.With("component", "dispatch", "backend", "log")}
}

// Submit logs the job.
func (l *Logging) Submit(_ context.Context, job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	l.log.Info("build job accepted", "deployment_id", job.DeploymentID, "project_id", job.ProjectID, "git_url", job.GitURL)
	return nil
}

// Cancel logs the cancellation.
func (l *Logging) Cancel(_ context.Context, deploymentID string) error {
	l.log.Info("build job cancelled", "deployment_id", deploymentID)
	return nil
}
