package mesh

import "time"

// ControllerClient is the small interface the mesh core depends on for
// direct (non-relayed) controller connectivity. It is a consumed
// capability: the mesh package only needs this shape, and never needs to
// know whether it is backed by HTTP, a message queue, or a test double.
// Resolving the router/controller-client cycle this way (a narrow
// interface owned by the consumer) keeps the core free of a concrete
// transport dependency.
type ControllerClient interface {
	// Heartbeat reports liveness and optional telemetry for nodeID. A nil
	// slice with a nil error means the heartbeat was delivered with no
	// pending commands; a non-nil error means delivery failed.
	Heartbeat(nodeID NodeId, cpuUsage, memUsage, diskUsage *float64, customMetrics map[string]float64) ([]string, error)

	// ReportCommandResult forwards the outcome of a previously relayed
	// command back to the controller.
	ReportCommandResult(commandID, status string, result map[string]any, errMsg string) error

	// HealthCheck performs a lightweight reachability probe. Implementations
	// that have no cheaper way to know may always return false; callers
	// treat it as optional evidence, never as the sole signal.
	HealthCheck() bool

	// LastSuccess returns the time of the most recent successful delivery,
	// or the zero Time if none has ever succeeded.
	LastSuccess() time.Time
}

// DirectOK reports whether c can be used to reach the controller directly,
// per §4.6: recent success within the window, or (as a fallback) a
// successful health check.
func DirectOK(c ControllerClient, window time.Duration) bool {
	if c == nil {
		return false
	}
	if ls := c.LastSuccess(); !ls.IsZero() && time.Since(ls) < window {
		return true
	}
	return c.HealthCheck()
}

// MetricsSource is the small interface used to obtain local host metrics
// for heartbeat payloads. Implementations must return an empty map rather
// than an error for transient read failures — the core always treats host
// metrics as best-effort.
type MetricsSource interface {
	SystemMetrics() map[string]float64
}
