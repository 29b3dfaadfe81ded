// Package metricssource implements mesh.MetricsSource using host-local
// readings: load average and Go runtime memory stats. It deliberately has
// no third-party dependency — see DESIGN.md for why.
package metricssource

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// System reads basic host metrics for heartbeat payloads. All reads are
// best-effort and never return an error: the Go runtime figures are
// always present, and the load average is left out when it cannot be read.
type System struct{}

// New constructs a System metrics source.
func New() *System { return &System{} }

// SystemMetrics returns load average (1-minute, as a 0-1-ish load fraction
// isn't computed here, just the raw figure) and Go heap usage in bytes.
func (s *System) SystemMetrics() map[string]float64 {
	out := make(map[string]float64)

	if load1, ok := readLoadAvg1(); ok {
		out["load_avg_1m"] = load1
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	out["heap_alloc_bytes"] = float64(mem.HeapAlloc)
	out["goroutines"] = float64(runtime.NumGoroutine())

	return out
}

// readLoadAvg1 reads the 1-minute load average from /proc/loadavg. It
// returns false on any platform or read error rather than propagating one,
// since callers treat host metrics as optional.
func readLoadAvg1() (float64, bool) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
