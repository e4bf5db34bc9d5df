package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"
)

const (
	deploymentLabel = "shipyard.dev/deployment-id"
	projectLabel    = "shipyard.dev/project-id"
)

// KubernetesConfig configures the Job backend.
type KubernetesConfig struct {
	Namespace      string
	Image          string
	KafkaBroker    string
	TTLAfterFinish time.Duration
	ActiveDeadline time.Duration
	ServiceAccount string
}

// Kubernetes runs each build as a batch/v1 Job.
type Kubernetes struct {
	client kubernetes.Interface
	cfg    KubernetesConfig
	log    *slog.Logger
}

var _ Dispatcher = (*Kubernetes)(nil)

// NewKubernetes creates a Kubernetes-backed dispatcher. It prefers in-cluster
// configuration and falls back to KUBECONFIG when running locally.
func NewKubernetes(cfg KubernetesConfig, logger *slog.Logger) (*Kubernetes, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := strings.TrimSpace(os.Getenv("KUBECONFIG"))
		if kubeconfig == "" {
			return nil, fmt.Errorf("create in-cluster config: %w", err)
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("create kubeconfig client: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return NewKubernetesWithClient(clientset, cfg, logger), nil
}

// NewKubernetesWithClient wraps an existing clientset.
func NewKubernetesWithClient(client kubernetes.Interface, cfg KubernetesConfig, logger *slog.Logger) *Kubernetes {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.TTLAfterFinish <= 0 {
		cfg.TTLAfterFinish = time.Hour
	}
	if cfg.ActiveDeadline <= 0 {
		cfg.ActiveDeadline = 30 * time.Minute
	}
	return &Kubernetes{client: client, cfg: cfg, log: logger.With("component", "dispatch", "backend", "kubernetes")}
}

// Submit creates the build Job. Resubmitting an existing deployment is a no-op.
func (k *Kubernetes) Submit(ctx context.Context, job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	name := jobName(job.DeploymentID)
	labels := map[string]string{
		deploymentLabel:               job.DeploymentID,
		projectLabel:                  job.ProjectID,
		"app.kubernetes.io/name":      "build-worker",
		"app.kubernetes.io/component": "build",
	}
	env := make([]corev1.EnvVar, 0, 5)
	for _, v := range Environment(job, k.cfg.KafkaBroker) {
		env = append(env, corev1.EnvVar{Name: v.Name, Value: v.Value})
	}

	spec := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptr.To[int32](0),
			TTLSecondsAfterFinished: ptr.To(int32(k.cfg.TTLAfterFinish / time.Second)),
			ActiveDeadlineSeconds:   ptr.To(int64(k.cfg.ActiveDeadline / time.Second)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: k.cfg.ServiceAccount,
					Containers: []corev1.Container{{
						Name:            "build",
						Image:           k.cfg.Image,
						ImagePullPolicy: corev1.PullIfNotPresent,
						Env:             env,
					}},
				},
			},
		},
	}

	_, err := k.client.BatchV1().Jobs(k.cfg.Namespace).Create(ctx, spec, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		k.log.Info("build job already exists", "deployment_id", job.DeploymentID, "job", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create build job: %w", err)
	}
	k.log.Info("build job created", "deployment_id", job.DeploymentID, "project_id", job.ProjectID, "job", name)
	return nil
}

// Cancel deletes the deployment's Job and its pods.
func (k *Kubernetes) Cancel(ctx context.Context, deploymentID string) error {
	name := jobName(deploymentID)
	if name == "" {
		return ErrInvalidJob
	}
	policy := metav1.DeletePropagationBackground
	err := k.client.BatchV1().Jobs(k.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete build job: %w", err)
	}
	return nil
}
