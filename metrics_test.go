package isleimg

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestWorkerMetrics_NilSafe(t *testing.T) {
	var m *WorkerMetrics
	m.ObserveRequest(true)
	m.ObservePersistentHit()
	m.ObservePersistentCorrupt()
	m.ObserveFetch(time.Millisecond, 10, nil)
	m.ObserveDecode(time.Millisecond, errors.New("x"))
	m.ObserveFailureShown()
	m.ObserveCancel()
	m.ObserveSuppressed()
	m.ObservePausedWait()
	require.Nil(t, m.Collectors())

	partial := &WorkerMetrics{}
	partial.ObserveRequest(true)
	require.Empty(t, partial.Collectors())
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestWorkerMetrics_Register(t *testing.T) {
	m := DefaultWorkerMetrics(prometheus.Labels{"app": "gallery"})
	reg := prometheus.NewRegistry()
	for _, c := range m.Collectors() {
		require.NoError(t, reg.Register(c))
	}
	require.Len(t, m.Collectors(), 15)

	m.ObserveRequest(true)
	m.ObserveRequest(false)
	m.ObserveFetch(time.Millisecond, 2048, nil)
	m.ObserveFetch(time.Millisecond, 0, errors.New("down"))

	require.Equal(t, 2.0, counterValue(t, reg, "isleimg_worker_request_total"))
	require.Equal(t, 1.0, counterValue(t, reg, "isleimg_worker_memory_hits_total"))
	require.Equal(t, 2.0, counterValue(t, reg, "isleimg_worker_fetch_total"))
	require.Equal(t, 1.0, counterValue(t, reg, "isleimg_worker_fetch_errors_total"))
	require.Equal(t, 2048.0, counterValue(t, reg, "isleimg_worker_fetch_bytes_total"))
}

func TestWorkerMetrics_ObservedByWorker(t *testing.T) {
	m := DefaultWorkerMetrics(nil)
	reg := prometheus.NewRegistry()
	for _, c := range m.Collectors() {
		require.NoError(t, reg.Register(c))
	}

	tw := newTestWorker(t, func(o *WorkerOptions) { o.Metrics = m })
	tw.source.set("k", pngBytes(t, 8, 8))
	tw.Request("a", StringKey("k"))
	tw.renderer.waitShown(t, "a")
	tw.Request("b", StringKey("k"))

	require.Equal(t, 2.0, counterValue(t, reg, "isleimg_worker_request_total"))
	require.Equal(t, 1.0, counterValue(t, reg, "isleimg_worker_memory_hits_total"))
	require.Equal(t, 1.0, counterValue(t, reg, "isleimg_worker_fetch_total"))
	require.Equal(t, 1.0, counterValue(t, reg, "isleimg_worker_decode_total"))
}
