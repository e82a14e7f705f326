// Package k8sjob implements the orchestrated-job Sandbox Driver (C1)
// variant: one Job+ConfigMap per test. The ConfigMap carries the source
// file; the Job mounts it and runs to completion. TTLSecondsAfterFinished
// is set as defense in depth even though the driver deletes both objects
// explicitly on every exit path.
//
// Client wiring follows the typed-clientset conventions used by
// giantswarm-muster's internal/client/kubernetes_client.go (scheme
// registration, context-scoped Get/Create/Delete, wrapped errors) adapted
// from controller-runtime's generic client to client-go's typed
// BatchV1/CoreV1 clientsets, which fit a fire-and-forget Job+ConfigMap pair
// more directly than a cached, watched object store would.
package k8sjob

import (
	"bytes"
	"context"
	"fmt"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/rs/zerolog/log"

	"github.com/kestrelrun/testforge/internal/metrics"
	"github.com/kestrelrun/testforge/internal/proto"
	"github.com/kestrelrun/testforge/internal/sandbox"
)

const (
	// Name identifies this backend in the driver registry.
	Name = "k8s-job"

	ManagedLabel = "xyz.testforge.managed"
	TestIDLabel  = "xyz.testforge.test-id"

	sourceFileName = "source.py"
	mountPath      = "/test"
)

// Driver implements sandbox.Driver using a Kubernetes Job per test.
type Driver struct {
	clientset kubernetes.Interface
	namespace string
}

// New creates a new Driver. cfg["namespace"] selects the namespace Jobs and
// ConfigMaps are created in (default "default"); cfg["kubeconfig"] selects
// an out-of-cluster kubeconfig path, falling back to in-cluster config.
func New(cfg map[string]any) (sandbox.Driver, error) {
	restCfg, err := buildRESTConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes rest config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes clientset: %w", err)
	}

	namespace := "default"
	if v, ok := cfg["namespace"].(string); ok && v != "" {
		namespace = v
	}

	return &Driver{clientset: clientset, namespace: namespace}, nil
}

func init() {
	sandbox.Register(Name, New)
}

func buildRESTConfig(cfg map[string]any) (*rest.Config, error) {
	if kubeconfig, ok := cfg["kubeconfig"].(string); ok && kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	return rest.InClusterConfig()
}

func (d *Driver) Name() string { return Name }

func (d *Driver) Healthy(ctx context.Context) error {
	_, err := d.clientset.Discovery().ServerVersion()
	return err
}

func (d *Driver) Close() error { return nil }

// Execute creates a ConfigMap holding the test's source and a Job that
// mounts it, waits for the Job to reach a terminal phase (or wall timeout),
// collects pod logs, and deletes both objects before returning on every
// exit path — including ctx cancellation.
func (d *Driver) Execute(ctx context.Context, spec sandbox.Spec) (proto.TestResult, error) {
	if err := spec.Validate(); err != nil {
		return proto.TestResult{TestID: spec.TestID, Success: false, Error: proto.ErrorString(err)}, err
	}

	name := fmt.Sprintf("test-%s", sanitizeName(spec.TestID))
	labels := map[string]string{ManagedLabel: "true", TestIDLabel: sanitizeName(spec.TestID)}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: d.namespace, Labels: labels},
		Data:       map[string]string{sourceFileName: spec.Source},
	}

	if _, err := d.clientset.CoreV1().ConfigMaps(d.namespace).Create(ctx, cm, metav1.CreateOptions{}); err != nil {
		return sandbox.MapResult(spec.TestID, 0, false, "", 0, fmt.Errorf("create configmap: %w", err)), nil
	}

	defer d.cleanup(name)

	ttlSeconds := int32(spec.TTLAfterFinished.Seconds())
	backoffLimit := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: d.namespace, Labels: labels},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttlSeconds,
			ActiveDeadlineSeconds:   int64Ptr(int64(spec.WallTimeout.Seconds())),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:    "test",
							Image:   spec.Image,
							Command: []string{"python3", mountPath + "/" + sourceFileName},
							Resources: corev1.ResourceRequirements{
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(spec.CPULimit*1000), resource.DecimalSI),
									corev1.ResourceMemory: *resource.NewQuantity(spec.MemLimitMB*1024*1024, resource.BinarySI),
								},
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "source", MountPath: mountPath, ReadOnly: true},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "source",
							VolumeSource: corev1.VolumeSource{
								ConfigMap: &corev1.ConfigMapVolumeSource{
									LocalObjectReference: corev1.LocalObjectReference{Name: name},
								},
							},
						},
					},
				},
			},
		},
	}

	if _, err := d.clientset.BatchV1().Jobs(d.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return sandbox.MapResult(spec.TestID, 0, false, "", 0, fmt.Errorf("create job: %w", err)), nil
	}
	metrics.SandboxesCreated.Inc()

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, spec.WallTimeout)
	defer cancel()

	exitCode, timedOut, waitErr := d.waitForCompletion(waitCtx, name)
	wallTime := time.Since(start)
	if waitErr != nil {
		return sandbox.MapResult(spec.TestID, 0, false, "", wallTime, waitErr), nil
	}

	output := d.collectLogs(labels[TestIDLabel], spec.LogCapBytes)

	return sandbox.MapResult(spec.TestID, exitCode, timedOut, output, wallTime, nil), nil
}

// waitForCompletion polls Job status with a >=1s interval: the Kubernetes
// API server has no blocking wait-for-completion call, so polling is the
// only portable way to detect a backend-dependent terminal state.
func (d *Driver) waitForCompletion(ctx context.Context, name string) (exitCode int, timedOut bool, err error) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, true, nil
		case <-ticker.C:
			job, getErr := d.clientset.BatchV1().Jobs(d.namespace).Get(ctx, name, metav1.GetOptions{})
			if getErr != nil {
				return 0, false, fmt.Errorf("get job status: %w", getErr)
			}
			if job.Status.Succeeded > 0 {
				return 0, false, nil
			}
			if job.Status.Failed > 0 {
				return 1, false, nil
			}
		}
	}
}

func (d *Driver) collectLogs(testIDLabel string, capBytes int64) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pods, err := d.clientset.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: TestIDLabel + "=" + testIDLabel,
	})
	if err != nil || len(pods.Items) == 0 {
		return ""
	}

	req := d.clientset.CoreV1().Pods(d.namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{})
	stream, err := req.Stream(ctx)
	if err != nil {
		log.Warn().Str("pod_label", testIDLabel).Err(err).Msg("failed to stream sandbox pod logs")
		return ""
	}
	defer stream.Close()

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(stream)
	return sandbox.TruncateLog(buf.String(), capBytes)
}

// cleanup unconditionally deletes the Job and ConfigMap for name. It is
// called via defer in Execute so it runs on every exit path, including
// context cancellation and panics recovered by the runtime's goroutine
// machinery; failures are logged, never returned as the test's result, since
// a cleanup error says nothing about whether the test itself passed.
func (d *Driver) cleanup(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	propagation := metav1.DeletePropagationBackground
	jobErr := d.clientset.BatchV1().Jobs(d.namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &propagation})
	if jobErr != nil && !apierrors.IsNotFound(jobErr) {
		log.Warn().Str("job", name).Err(jobErr).Msg("sandbox job cleanup failed, leaking resource")
	}
	if err := d.clientset.CoreV1().ConfigMaps(d.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		log.Warn().Str("configmap", name).Err(err).Msg("sandbox configmap cleanup failed, leaking resource")
	}
	if jobErr == nil {
		metrics.SandboxesDestroyed.Inc()
	}
}

func int64Ptr(v int64) *int64 { return &v }

func sanitizeName(id string) string {
	var b []byte
	for i := 0; i < len(id) && len(b) < 40; i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
			b = append(b, c)
		case c >= 'A' && c <= 'Z':
			b = append(b, c-'A'+'a')
		default:
			b = append(b, '-')
		}
	}
	if len(b) == 0 {
		return "anon"
	}
	return string(b)
}
