package remediation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func int32Ptr(v int32) *int32 { return &v }

func TestKubernetesExecutor(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewSimpleClientset(
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "prod"},
			Spec:       appsv1.DeploymentSpec{Replicas: int32Ptr(2)},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "worker-1", Namespace: "prod"},
			Status:     corev1.PodStatus{Phase: corev1.PodFailed},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "worker-2", Namespace: "prod"},
			Status:     corev1.PodStatus{Phase: corev1.PodRunning},
		},
	)
	exec := NewKubernetesExecutor(clientset, "prod", zap.NewNop())

	t.Run("restart deployment", func(t *testing.T) {
		res, err := exec.Run(ctx, Action{Name: "restart_deployment", Params: map[string]string{"deployment": "api"}}, nil)
		require.NoError(t, err)
		assert.True(t, res.Success)

		d, err := clientset.AppsV1().Deployments("prod").Get(ctx, "api", metav1.GetOptions{})
		require.NoError(t, err)
		assert.NotEmpty(t, d.Spec.Template.Annotations[restartedAtAnnotation])
	})

	t.Run("restart missing deployment", func(t *testing.T) {
		_, err := exec.Run(ctx, Action{Name: "restart_deployment", Params: map[string]string{"deployment": "nope"}}, nil)
		assert.Error(t, err)

		_, err = exec.Run(ctx, Action{Name: "restart_deployment"}, nil)
		assert.Error(t, err)
	})

	t.Run("delete failed pods", func(t *testing.T) {
		res, err := exec.Run(ctx, Action{Name: "delete_failed_pods"}, nil)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "deleted 1 failed pods", res.Detail)

		pods, err := clientset.CoreV1().Pods("prod").List(ctx, metav1.ListOptions{})
		require.NoError(t, err)
		require.Len(t, pods.Items, 1)
		assert.Equal(t, "worker-2", pods.Items[0].Name)
	})

	t.Run("scale deployment", func(t *testing.T) {
		res, err := exec.Run(ctx, Action{Name: "scale_deployment", Params: map[string]string{"deployment": "api", "replicas": "4"}}, nil)
		require.NoError(t, err)
		assert.Contains(t, res.Detail, "from 2 to 4")

		d, err := clientset.AppsV1().Deployments("prod").Get(ctx, "api", metav1.GetOptions{})
		require.NoError(t, err)
		assert.EqualValues(t, 4, *d.Spec.Replicas)

		_, err = exec.Run(ctx, Action{Name: "scale_deployment", Params: map[string]string{"deployment": "api"}}, nil)
		assert.Error(t, err)
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := exec.Run(ctx, Action{Name: "drain_node"}, nil)
		assert.Error(t, err)
	})
}

func TestRouter(t *testing.T) {
	k8s := NewKubernetesExecutor(fake.NewSimpleClientset(), "", zap.NewNop())
	pg := NewPostgresExecutor(&fakeSessionDB{}, zap.NewNop())
	router := NewRouter(k8s, pg)

	assert.True(t, router.Supports("restart_deployment"))
	assert.True(t, router.Supports("cleanup_stale_sessions"))
	assert.False(t, router.Supports("reboot"))
	assert.Len(t, router.Actions(), 7)

	_, err := router.Run(context.Background(), Action{Name: "reboot"}, nil)
	assert.Error(t, err)
}
