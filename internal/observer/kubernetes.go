package observer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// NewKubernetesClientset prefers in-cluster credentials and falls back to
// kubeconfig (explicit path, then $KUBECONFIG, then ~/.kube/config).
func NewKubernetesClientset(kubeconfigPath string) (kubernetes.Interface, error) {
	if kubeconfigPath == "" {
		config, err := rest.InClusterConfig()
		if err == nil {
			return kubernetes.NewForConfig(config)
		}
		kubeconfigPath = os.Getenv("KUBECONFIG")
	}

	if kubeconfigPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("could not get home directory: %w", err)
		}
		kubeconfigPath = filepath.Join(home, ".kube", "config")
	}

	if _, err := os.Stat(kubeconfigPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("kubeconfig not found at %s", kubeconfigPath)
	}

	config, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubeconfig: %w", err)
	}
	return kubernetes.NewForConfig(config)
}

// KubernetesCollector reports pod health for one namespace.
type KubernetesCollector struct {
	clientset kubernetes.Interface
	namespace string
	selector  string
	logger    *zap.Logger
}

func NewKubernetesCollector(clientset kubernetes.Interface, namespace, selector string, logger *zap.Logger) *KubernetesCollector {
	if namespace == "" {
		namespace = "default"
	}
	return &KubernetesCollector{
		clientset: clientset,
		namespace: namespace,
		selector:  selector,
		logger:    logger,
	}
}

func (k *KubernetesCollector) Name() string {
	return "kubernetes"
}

func (k *KubernetesCollector) Collect(ctx context.Context) (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pods, err := k.clientset.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{LabelSelector: k.selector})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	var notReady, restarts, failed float64
	for i := range pods.Items {
		pod := &pods.Items[i]
		restarts += float64(podRestarts(pod))
		switch pod.Status.Phase {
		case corev1.PodFailed:
			failed++
		case corev1.PodSucceeded:
		default:
			if !isPodReady(pod) {
				notReady++
			}
		}
	}

	return map[string]float64{
		"pods_total":     float64(len(pods.Items)),
		"pods_not_ready": notReady,
		"pod_restarts":   restarts,
		"pods_failed":    failed,
	}, nil
}

func (k *KubernetesCollector) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := k.clientset.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return fmt.Errorf("kubernetes health check failed: %w", err)
	}
	return nil
}

func podRestarts(pod *corev1.Pod) int32 {
	var restarts int32
	for _, cs := range pod.Status.ContainerStatuses {
		restarts += cs.RestartCount
	}
	return restarts
}

func isPodReady(pod *corev1.Pod) bool {
	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodReady {
			return condition.Status == corev1.ConditionTrue
		}
	}
	return false
}
