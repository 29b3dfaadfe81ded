package metricssource

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSystemMetricsAlwaysIncludesRuntimeFigures(t *testing.T) {
	s := New()
	metrics := s.SystemMetrics()
	require.Contains(t, metrics, "heap_alloc_bytes")
	require.Contains(t, metrics, "goroutines")
	require.Greater(t, metrics["heap_alloc_bytes"], 0.0)
	require.GreaterOrEqual(t, metrics["goroutines"], 1.0)
}
