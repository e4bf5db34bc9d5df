package config

import (
	"os"
	"time"
)

// Dispatch drivers.
const (
	DispatchKubernetes = "kubernetes"
	DispatchDocker     = "docker"
	DispatchLog        = "log"
)

// DispatchConfig describes how build workers are launched.
type DispatchConfig struct {
	Driver         string
	Image          string
	KafkaBroker    string
	SubmitTimeout  time.Duration
	Namespace      string
	ServiceAccount string
	TTLAfterFinish time.Duration
	ActiveDeadline time.Duration
	DockerHost     string
	DockerNetwork  string
}

// LoadDispatchConfig constructs a DispatchConfig from environment variables.
func LoadDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Driver:         GetString("DISPATCH_DRIVER", DispatchLog),
		Image:          GetString("BUILD_IMAGE", "shipyard/build-server:latest"),
		KafkaBroker:    GetString("BUILD_KAFKA_BROKER", GetString("KAFKA_BROKERS", "localhost:9092")),
		SubmitTimeout:  GetDuration("DISPATCH_SUBMIT_TIMEOUT", 30*time.Second),
		Namespace:      GetString("K8S_NAMESPACE", "shipyard-builds"),
		ServiceAccount: GetString("K8S_SERVICE_ACCOUNT", ""),
		TTLAfterFinish: GetDuration("K8S_JOB_TTL", 10*time.Minute),
		ActiveDeadline: GetDuration("K8S_JOB_DEADLINE", 30*time.Minute),
		DockerHost:     GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		DockerNetwork:  GetString("DOCKER_NETWORK", ""),
	}
}

func hostname() (string, error) {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "api", err
	}
	return name, nil
}
