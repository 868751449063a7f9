package remediation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/namansh70747/sentinel/internal/incident"
)

const restartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"

// KubernetesExecutor remediates workloads in one namespace.
type KubernetesExecutor struct {
	clientset kubernetes.Interface
	namespace string
	logger    *zap.Logger
}

func NewKubernetesExecutor(clientset kubernetes.Interface, namespace string, logger *zap.Logger) *KubernetesExecutor {
	if namespace == "" {
		namespace = "default"
	}
	return &KubernetesExecutor{
		clientset: clientset,
		namespace: namespace,
		logger:    logger,
	}
}

func (k *KubernetesExecutor) Actions() []string {
	return []string{"restart_deployment", "delete_failed_pods", "scale_deployment"}
}

func (k *KubernetesExecutor) Run(ctx context.Context, action Action, inc *incident.Incident) (Result, error) {
	namespace := action.String("namespace", k.namespace)

	switch action.Name {
	case "restart_deployment":
		return k.restartDeployment(ctx, namespace, action.String("deployment", ""))
	case "delete_failed_pods":
		return k.deleteFailedPods(ctx, namespace, action.String("selector", ""))
	case "scale_deployment":
		return k.scaleDeployment(ctx, namespace, action.String("deployment", ""), int32(action.Int("replicas", -1)))
	}
	return Result{}, fmt.Errorf("kubernetes executor does not handle %q", action.Name)
}

// restartDeployment triggers a rolling restart the way kubectl rollout restart does.
func (k *KubernetesExecutor) restartDeployment(ctx context.Context, namespace, name string) (Result, error) {
	if name == "" {
		return Result{}, fmt.Errorf("restart_deployment requires a deployment parameter")
	}

	patch := fmt.Sprintf(`{"spec":{"template":{"metadata":{"annotations":{%q:%q}}}}}`,
		restartedAtAnnotation, time.Now().UTC().Format(time.RFC3339))

	_, err := k.clientset.AppsV1().Deployments(namespace).Patch(ctx, name, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("failed to restart deployment %s/%s: %w", namespace, name, err)
	}

	k.logger.Info("Restarted deployment", zap.String("namespace", namespace), zap.String("deployment", name))
	return Result{Success: true, Detail: fmt.Sprintf("restarted deployment %s/%s", namespace, name)}, nil
}

func (k *KubernetesExecutor) deleteFailedPods(ctx context.Context, namespace, selector string) (Result, error) {
	pods, err := k.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return Result{}, fmt.Errorf("failed to list pods: %w", err)
	}

	deleted := 0
	for _, pod := range pods.Items {
		if pod.Status.Phase != corev1.PodFailed {
			continue
		}
		if err := k.clientset.CoreV1().Pods(namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{}); err != nil {
			return Result{Detail: fmt.Sprintf("deleted %d failed pods", deleted)},
				fmt.Errorf("failed to delete pod %s: %w", pod.Name, err)
		}
		deleted++
	}

	k.logger.Info("Deleted failed pods", zap.String("namespace", namespace), zap.Int("count", deleted))
	return Result{Success: true, Detail: fmt.Sprintf("deleted %d failed pods", deleted)}, nil
}

func (k *KubernetesExecutor) scaleDeployment(ctx context.Context, namespace, name string, replicas int32) (Result, error) {
	if name == "" || replicas < 0 {
		return Result{}, fmt.Errorf("scale_deployment requires deployment and replicas parameters")
	}

	deployments := k.clientset.AppsV1().Deployments(namespace)
	deployment, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("failed to get deployment %s/%s: %w", namespace, name, err)
	}

	previous := currentReplicas(deployment)
	deployment.Spec.Replicas = &replicas
	if _, err := deployments.Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
		return Result{}, fmt.Errorf("failed to scale deployment %s/%s: %w", namespace, name, err)
	}

	k.logger.Info("Scaled deployment",
		zap.String("namespace", namespace),
		zap.String("deployment", name),
		zap.Int32("from", previous),
		zap.Int32("to", replicas))
	return Result{Success: true, Detail: fmt.Sprintf("scaled %s/%s from %d to %d replicas", namespace, name, previous, replicas)}, nil
}

func currentReplicas(d *appsv1.Deployment) int32 {
	if d.Spec.Replicas == nil {
		return 1
	}
	return *d.Spec.Replicas
}
