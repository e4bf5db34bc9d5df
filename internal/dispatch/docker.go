package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// dockerAPI is the subset of the Docker SDK client used to launch builds.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerConfig configures the container backend.
type DockerConfig struct {
	Host        string
	Image       string
	Network     string
	KafkaBroker string
}

// Docker runs each build as a self-removing container on a Docker daemon.
type Docker struct {
	api dockerAPI
	cfg DockerConfig
	log *slog.Logger
}

var _ Dispatcher = (*Docker)(nil)

// NewDocker connects to the daemon using environment defaults.
func NewDocker(cfg DockerConfig, logger *slog.Logger) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newDocker(inner, cfg, logger), nil
}

func newDocker(api dockerAPI, cfg DockerConfig, logger *slog.Logger) *Docker {
	return &Docker{api: api, cfg: cfg, log: logger.With("component", "dispatch", "backend", "docker")}
}

// Submit creates and starts the build container.
func (d *Docker) Submit(ctx context.Context, job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	env := make([]string, 0, 5)
	for _, v := range Environment(job, d.cfg.KafkaBroker) {
		env = append(env, v.Name+"="+v.Value)
	}
	config := &container.Config{
		Image: d.cfg.Image,
		Env:   env,
		Labels: map[string]string{
			deploymentLabel: job.DeploymentID,
			projectLabel:    job.ProjectID,
		},
	}
	hostCfg := &container.HostConfig{AutoRemove: true}
	if d.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(d.cfg.Network)
	}

	name := jobName(job.DeploymentID)
	created, err := d.api.ContainerCreate(ctx, config, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("container create: %w", err)
	}
	if err := d.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = d.api.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("container start: %w", err)
	}
	d.log.Info("build container started", "deployment_id", job.DeploymentID, "container_id", created.ID)
	return nil
}

// Cancel force-removes the build container.
func (d *Docker) Cancel(ctx context.Context, deploymentID string) error {
	name := jobName(deploymentID)
	if name == "" {
		return ErrInvalidJob
	}
	err := d.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}
