package mesh

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// meshDiscoveryWait is how long the agent loop waits, after kicking off a
// route discovery, before checking whether a route to the controller
// exists. It runs synchronously on the agent loop goroutine, matching the
// reference implementation's own blocking wait at the same call site.
const meshDiscoveryWait = 2500 * time.Millisecond

// defaultMaxRetries is passed to Relay from the agent loop.
const defaultMaxRetries = 2

// Agent ties the mesh components — peering, routing, the local buffer, and
// the two consumed capabilities (ControllerClient, MetricsSource) — into
// one runnable unit. It is the Go-native counterpart of the reference
// implementation's combined node-agent loop: a direct-HTTP attempt first,
// mesh relay as fallback, local buffering when both fail.
type Agent struct {
	nodeID NodeId

	peering       *Peering
	router        *Router
	buffer        *LocalBuffer
	controller    ControllerClient
	metricsSource MetricsSource
	metrics       *Metrics

	heartbeatInterval time.Duration
	sweepInterval     time.Duration
	maxHops           int

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// AgentConfig bundles the dependencies and tunables NewAgent needs.
type AgentConfig struct {
	NodeID            NodeId
	Peering           *Peering
	Router            *Router
	Buffer            *LocalBuffer
	Controller        ControllerClient
	MetricsSource     MetricsSource
	Metrics           *Metrics
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	MaxHops           int
}

// NewAgent constructs an Agent. Peering and Router must already be wired
// together (Router.OnInboundFrame registered via Peering.OnRoutingMessage)
// by the caller before Start is invoked.
func NewAgent(cfg AgentConfig) *Agent {
	return &Agent{
		nodeID:            cfg.NodeID,
		peering:           cfg.Peering,
		router:            cfg.Router,
		buffer:            cfg.Buffer,
		controller:        cfg.Controller,
		metricsSource:     cfg.MetricsSource,
		metrics:           cfg.Metrics,
		heartbeatInterval: cfg.HeartbeatInterval,
		sweepInterval:     cfg.SweepInterval,
		maxHops:           cfg.MaxHops,
	}
}

// Start binds the UDP socket (via Peering) and launches the agent loop
// goroutine, which also runs the expiry sweep. The listener and internal
// heartbeat/ping tasks are already started as part of Peering.Start.
func (a *Agent) Start(ctx context.Context) error {
	if a.peering != nil {
		if err := a.peering.Start(ctx); err != nil {
			return err
		}
	}

	a.ctx, a.cancel = context.WithCancel(ctx)
	a.doneCh = make(chan struct{})
	go a.run()

	slog.Info("mesh: agent started", "node_id", a.nodeID)
	return nil
}

// Stop cancels the agent loop, waits (bounded) for it to exit, then stops
// peering.
func (a *Agent) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.doneCh != nil {
		select {
		case <-a.doneCh:
		case <-time.After(2 * time.Second):
			slog.Warn("mesh: agent loop shutdown timed out")
		}
	}
	if a.peering != nil {
		a.peering.Stop()
	}
}

func (a *Agent) run() {
	defer close(a.doneCh)

	heartbeatTicker := time.NewTicker(a.heartbeatInterval)
	defer heartbeatTicker.Stop()
	sweepTicker := time.NewTicker(a.sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-heartbeatTicker.C:
			a.sendHeartbeat()
		case <-sweepTicker.C:
			if a.router != nil {
				a.router.SweepExpired()
			}
		}
	}
}

// sendHeartbeat tries the direct controller path, falls back to mesh
// relay, and buffers the telemetry locally if both fail. It mirrors
// send_heartbeat()/_send_heartbeat_direct()/_send_heartbeat_via_mesh() in
// the reference node agent.
func (a *Agent) sendHeartbeat() bool {
	payload := a.collectTelemetry()

	if a.directHeartbeat(payload) {
		a.flushBuffer()
		return true
	}

	slog.Warn("mesh: direct heartbeat failed, controller unreachable")

	if a.router != nil {
		if a.meshHeartbeat(payload) {
			return true
		}
	}

	a.buffer.AddTelemetry(payload)
	return false
}

func (a *Agent) collectTelemetry() map[string]any {
	payload := map[string]any{"node_id": string(a.nodeID)}
	if a.metricsSource == nil {
		return payload
	}
	for k, v := range a.metricsSource.SystemMetrics() {
		payload[k] = v
	}
	return payload
}

func (a *Agent) directHeartbeat(payload map[string]any) bool {
	if a.controller == nil {
		return false
	}
	cpu := floatPtr(payload, "cpu_usage")
	mem := floatPtr(payload, "memory_usage")
	disk := floatPtr(payload, "disk_usage")
	custom := floatMap(payload, "custom_metrics")

	commands, err := a.controller.Heartbeat(a.nodeID, cpu, mem, disk, custom)
	if err != nil {
		return false
	}
	if len(commands) > 0 {
		slog.Info("mesh: heartbeat acknowledged with pending commands", "count", len(commands))
	}
	return true
}

func (a *Agent) meshHeartbeat(payload map[string]any) bool {
	if !a.router.HasRoute(DestController) {
		slog.Info("mesh: discovering routes to controller")
		a.router.DiscoverRoutes(DestController)
		select {
		case <-a.ctx.Done():
			return false
		case <-time.After(meshDiscoveryWait):
		}
	}

	if !a.router.HasRoute(DestController) {
		slog.Warn("mesh: no mesh route to controller available")
		return false
	}

	msg := &RelayMessage{
		MessageID:    uuid.New(),
		MsgType:      "heartbeat",
		OriginNodeID: a.nodeID,
		Destination:  DestController,
		HopCount:     0,
		MaxHops:      a.maxHops,
		Payload:      payload,
		Timestamp:    time.Now(),
	}

	success := a.router.Relay(msg, defaultMaxRetries)
	if success {
		slog.Info("mesh: heartbeat relayed via mesh", "message_id", msg.MessageID)
	}
	return success
}

// flushBuffer attempts to deliver one batch of buffered items (at most the
// buffer's flush batch size) directly to the controller, marking each as
// flushed or failed accordingly.
func (a *Agent) flushBuffer() {
	if a.buffer == nil || a.controller == nil {
		return
	}
	batch := a.buffer.BatchToFlush("")
	if len(batch) == 0 {
		return
	}

	var flushed, failed []BufferedItem
	for _, item := range batch {
		if a.forwardBufferedItem(item) {
			flushed = append(flushed, item)
		} else {
			failed = append(failed, item)
		}
	}

	if len(flushed) > 0 {
		a.buffer.MarkFlushed(flushed)
		slog.Info("mesh: flushed buffered items to controller", "count", len(flushed))
	}
	if len(failed) > 0 {
		a.buffer.MarkFailed(failed)
	}
}

func (a *Agent) forwardBufferedItem(item BufferedItem) bool {
	switch item.ItemType {
	case "telemetry":
		cpu := floatPtr(item.Data, "cpu_usage")
		mem := floatPtr(item.Data, "memory_usage")
		disk := floatPtr(item.Data, "disk_usage")
		custom := floatMap(item.Data, "custom_metrics")
		_, err := a.controller.Heartbeat(a.nodeID, cpu, mem, disk, custom)
		return err == nil
	case "command_result":
		commandID, _ := item.Data["command_id"].(string)
		status, _ := item.Data["status"].(string)
		errMsg, _ := item.Data["error_message"].(string)
		result, _ := item.Data["result"].(map[string]any)
		return a.controller.ReportCommandResult(commandID, status, result, errMsg) == nil
	default:
		return false
	}
}
