package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

// staticSource serves fixed metrics.
type staticSource struct {
	SourceName string
	Metrics    map[string]float64
	Err        error
}

func (s staticSource) Name() string { return s.SourceName }

func (s staticSource) Collect(context.Context) (map[string]float64, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return maps.Clone(s.Metrics), nil
}

func (s staticSource) Health(context.Context) error { return s.Err }

// fakePrometheus answers /api/v1/query with a canned result per query.
func fakePrometheus(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		query := r.Form.Get("query")
		body, ok := results[query]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"status":"error","errorType":"bad_data","error":"unknown query"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"success","data":%s}`, body)
	}))
}

func TestPrometheusCollector(t *testing.T) {
	srv := fakePrometheus(t, map[string]string{
		"cpu_query":    `{"resultType":"vector","result":[{"metric":{"job":"app"},"value":[1700000000,"95.5"]}]}`,
		"empty_query":  `{"resultType":"vector","result":[]}`,
		"scalar_query": `{"resultType":"scalar","result":[1700000000,"3"]}`,
		"up":           `{"resultType":"vector","result":[]}`,
	})
	defer srv.Close()

	c, err := NewPrometheusCollector(srv.URL, map[string]string{
		"cpu_percent":  "cpu_query",
		"memory_used":  "empty_query",
		"queue_depth":  "scalar_query",
		"broken_query": "does_not_exist",
	}, time.Second, zap.NewNop())
	require.NoError(t, err)

	metrics, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"cpu_percent": 95.5, "queue_depth": 3}, metrics)
	assert.NoError(t, c.Health(context.Background()))
}

func TestPrometheusCollector_NonFiniteValuesAreAbsent(t *testing.T) {
	srv := fakePrometheus(t, map[string]string{
		"latency_query": `{"resultType":"vector","result":[{"metric":{},"value":[1700000000,"NaN"]}]}`,
		"ratio_query":   `{"resultType":"scalar","result":[1700000000,"+Inf"]}`,
		"cpu_query":     `{"resultType":"vector","result":[{"metric":{},"value":[1700000000,"42"]}]}`,
	})
	defer srv.Close()

	c, err := NewPrometheusCollector(srv.URL, map[string]string{
		"p99_latency_ms": "latency_query",
		"error_ratio":    "ratio_query",
		"cpu_percent":    "cpu_query",
	}, time.Second, zap.NewNop())
	require.NoError(t, err)

	metrics, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"cpu_percent": 42}, metrics)
}

func TestPrometheusCollector_AllQueriesFail(t *testing.T) {
	srv := fakePrometheus(t, nil)
	defer srv.Close()

	c, err := NewPrometheusCollector(srv.URL, map[string]string{"cpu_percent": "nope"}, time.Second, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Collect(context.Background())
	assert.Error(t, err)
}

func TestKubernetesCollector(t *testing.T) {
	ready := corev1.PodCondition{Type: corev1.PodReady, Status: corev1.ConditionTrue}
	clientset := fake.NewSimpleClientset(
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "a", Namespace: "prod"},
			Status: corev1.PodStatus{
				Phase:             corev1.PodRunning,
				Conditions:        []corev1.PodCondition{ready},
				ContainerStatuses: []corev1.ContainerStatus{{RestartCount: 2}},
			},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "b", Namespace: "prod"},
			Status:     corev1.PodStatus{Phase: corev1.PodPending},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "c", Namespace: "prod"},
			Status: corev1.PodStatus{
				Phase:             corev1.PodFailed,
				ContainerStatuses: []corev1.ContainerStatus{{RestartCount: 5}},
			},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "other", Namespace: "staging"},
			Status:     corev1.PodStatus{Phase: corev1.PodFailed},
		},
	)

	c := NewKubernetesCollector(clientset, "prod", "", zap.NewNop())
	metrics, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{
		"pods_total":     3,
		"pods_not_ready": 1,
		"pod_restarts":   7,
		"pods_failed":    1,
	}, metrics)
	assert.NoError(t, c.Health(context.Background()))
}

type statsRow struct {
	values []float64
	err    error
}

func (r statsRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *float64:
			*p = r.values[i]
		case *int:
			*p = int(r.values[i])
		}
	}
	return nil
}

type fakeQuerier struct {
	row  statsRow
	args []any
}

func (f *fakeQuerier) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	f.args = args
	return f.row
}

func TestPostgresCollector(t *testing.T) {
	q := &fakeQuerier{row: statsRow{values: []float64{42, 2, 1, 3.5}}}
	c := NewPostgresCollector(q, 2*time.Minute)

	metrics, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{
		"connection_count": 42,
		"blocking_count":   2,
		"long_query_count": 1,
		"avg_wait":         3.5,
	}, metrics)
	assert.Equal(t, []any{120}, q.args)

	q.row = statsRow{err: errors.New("too many connections")}
	_, err = c.Collect(context.Background())
	assert.ErrorContains(t, err, "too many connections")
	assert.Error(t, c.Health(context.Background()))
}

func TestMultiCollector(t *testing.T) {
	ok := staticSource{SourceName: "a", Metrics: map[string]float64{"cpu_percent": 50}}
	also := staticSource{SourceName: "b", Metrics: map[string]float64{"blocking_count": 1}}
	broken := staticSource{SourceName: "c", Err: errors.New("down")}

	sample, err := NewMultiCollector(zap.NewNop(), ok, broken, also).Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"cpu_percent": 50, "blocking_count": 1}, sample.Metrics)
	assert.False(t, sample.CapturedAt.IsZero())

	_, err = NewMultiCollector(zap.NewNop(), broken).Sample(context.Background())
	assert.ErrorContains(t, err, "down")

	_, err = NewMultiCollector(zap.NewNop()).Sample(context.Background())
	assert.Error(t, err)
}

func TestMultiCollector_DropsNonFiniteValues(t *testing.T) {
	src := staticSource{SourceName: "custom", Metrics: map[string]float64{
		"cpu_percent":    50,
		"p99_latency_ms": math.NaN(),
		"error_ratio":    math.Inf(1),
	}}

	sample, err := NewMultiCollector(zap.NewNop(), src).Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"cpu_percent": 50}, sample.Metrics)

	_, err = json.Marshal(sample)
	assert.NoError(t, err)
}
