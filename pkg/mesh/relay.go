package mesh

import (
	"log/slog"
	"net"
)

// circuitBreakerReliabilityFloor is the reliability threshold below which
// a route with three or more failures is considered degraded (§4.5).
const circuitBreakerReliabilityFloor = 0.2

// circuitBreakerFailureFloor is the failure count at or above which the
// reliability floor applies.
const circuitBreakerFailureFloor = 3

// Relay sends msg toward its destination via the best available route,
// retrying alternate routes up to maxRetries times. It returns true once
// the message has been handed to exactly one peer's socket successfully.
func (r *Router) Relay(msg *RelayMessage, maxRetries int) bool {
	if msg.HopCount >= msg.MaxHops {
		slog.Warn("mesh: message exceeded max hops", "message_id", msg.MessageID, "max_hops", msg.MaxHops)
		r.recordFailedRelay()
		return false
	}

	routes := r.AllRoutes(msg.Destination)
	if len(routes) == 0 {
		slog.Warn("mesh: no route available", "destination", msg.Destination)
		r.recordFailedRelay()
		return false
	}

	sortRoutes(routes)
	viable := filterViable(routes)
	degraded := len(viable) == 0
	if degraded {
		viable = routes
		slog.Warn("mesh: all routes degraded, trying anyway", "destination", msg.Destination)
	}

	if !msg.IncrementHop(r.nodeID) {
		slog.Warn("mesh: message ttl exceeded after increment", "message_id", msg.MessageID)
		r.recordFailedRelay()
		return false
	}

	messageID := msg.MessageID.String()

	r.mu.Lock()
	r.relayCache[messageID] = msg
	r.mu.Unlock()

	payload, err := msg.ToBytes()
	if err != nil {
		slog.Error("mesh: failed to serialize relay message", "message_id", msg.MessageID, "error", err)
		r.dropFromCache(messageID)
		r.recordFailedRelay()
		return false
	}
	frame := append([]byte{FrameRelayData}, payload...)

	tried := make(map[NodeId]bool)
	attempts := 0
	for _, route := range viable {
		if attempts >= maxRetries+1 {
			break
		}
		if tried[route.NextHop] {
			continue
		}
		tried[route.NextHop] = true
		attempts++

		host, port, splitErr := splitAddr(route.NextHopAddr)
		if splitErr != nil {
			slog.Warn("mesh: route has invalid next_hop_addr", "next_hop", route.NextHop, "error", splitErr)
			route.RecordFailure()
			continue
		}

		if err := r.peering.Send(frame, host, port); err != nil {
			slog.Warn("mesh: relay attempt failed", "attempt", attempts, "next_hop", route.NextHop, "error", err)
			route.RecordFailure()
			if route.degraded() {
				slog.Info("mesh: circuit breaker tripped", "next_hop", route.NextHop, "reliability", route.Reliability)
			}
			continue
		}

		route.RecordSuccess()
		r.recordSuccessfulRelay(msg.HopCount)
		slog.Info("mesh: relaying message", "message_id", msg.MessageID, "origin", msg.OriginNodeID, "via", route.NextHop, "destination", msg.Destination, "hop", msg.HopCount, "max_hops", msg.MaxHops)
		return true
	}

	slog.Error("mesh: failed to relay message after attempts", "message_id", msg.MessageID, "attempts", attempts)
	r.dropFromCache(messageID)
	r.recordFailedRelay()
	return false
}

func filterViable(sorted []*RoutePath) []*RoutePath {
	out := make([]*RoutePath, 0, len(sorted))
	for _, rp := range sorted {
		if rp.Reliability >= circuitBreakerReliabilityFloor || rp.FailureCount < circuitBreakerFailureFloor {
			out = append(out, rp)
		}
	}
	return out
}

func (r *Router) dropFromCache(messageID string) {
	r.mu.Lock()
	delete(r.relayCache, messageID)
	r.mu.Unlock()
}

func (r *Router) recordFailedRelay() {
	r.mu.Lock()
	r.failedRelays++
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.FailedRelays.Inc()
	}
}

func (r *Router) recordSuccessfulRelay(hopCount int) {
	r.mu.Lock()
	r.messagesRelayed++
	r.hopCountSamples = append(r.hopCountSamples, hopCount)
	if len(r.hopCountSamples) > maxHopCountSamples {
		r.hopCountSamples = r.hopCountSamples[len(r.hopCountSamples)-maxHopCountSamples:]
	}
	avg := r.avgHopCountLocked()
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.MessagesRelayed.Inc()
		r.metrics.AvgHopCount.Set(avg)
	}
}

// HandleIncomingRelay processes an inbound RELAY_DATA frame from senderAddr
// (§4.5 "Inbound relay").
func (r *Router) HandleIncomingRelay(body []byte, senderAddr *net.UDPAddr) {
	msg, err := RelayMessageFromBytes(body)
	if err != nil {
		slog.Warn("mesh: failed to parse relay message", "error", err)
		return
	}

	slog.Debug("mesh: received relay message", "message_id", msg.MessageID, "from", senderAddr)

	if msg.Destination == string(r.nodeID) {
		r.handleMessageForSelf(msg, senderAddr)
		return
	}

	if msg.Destination == DestController && DirectOK(r.controller, directControllerWindow) {
		r.forwardToController(msg, senderAddr)
		return
	}

	if msg.HopCount < msg.MaxHops {
		if !r.Relay(msg, 2) {
			slog.Warn("mesh: failed to relay message further", "message_id", msg.MessageID)
		}
		return
	}

	slog.Warn("mesh: message reached max hops, dropping", "message_id", msg.MessageID)
}

func (r *Router) handleMessageForSelf(msg *RelayMessage, senderAddr *net.UDPAddr) {
	slog.Info("mesh: received message for self", "message_id", msg.MessageID, "type", msg.MsgType)
	r.sendRelayAck(msg.MessageID.String(), true, senderAddr)
}

func (r *Router) forwardToController(msg *RelayMessage, senderAddr *net.UDPAddr) bool {
	slog.Info("mesh: forwarding message to controller", "message_id", msg.MessageID, "type", msg.MsgType)

	success := false
	switch msg.MsgType {
	case "heartbeat":
		success = r.forwardHeartbeat(msg)
	case "command_result":
		success = r.forwardCommandResult(msg)
	default:
		slog.Warn("mesh: unknown message type for forwarding", "type", msg.MsgType)
	}

	if success {
		r.mu.Lock()
		r.successfulDeliveries++
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.SuccessfulDeliveries.Inc()
		}
		r.updateReliabilityForSender(senderAddr)
	}

	r.sendRelayAck(msg.MessageID.String(), success, senderAddr)
	return success
}

func (r *Router) forwardHeartbeat(msg *RelayMessage) bool {
	if r.controller == nil {
		return false
	}
	cpu := floatPtr(msg.Payload, "cpu_usage")
	mem := floatPtr(msg.Payload, "memory_usage")
	disk := floatPtr(msg.Payload, "disk_usage")
	custom := floatMap(msg.Payload, "custom_metrics")
	_, err := r.controller.Heartbeat(msg.OriginNodeID, cpu, mem, disk, custom)
	if err != nil {
		slog.Error("mesh: failed to forward heartbeat to controller", "message_id", msg.MessageID, "error", err)
		return false
	}
	return true
}

func (r *Router) forwardCommandResult(msg *RelayMessage) bool {
	if r.controller == nil {
		return false
	}
	commandID, _ := msg.Payload["command_id"].(string)
	status, _ := msg.Payload["status"].(string)
	errMsg, _ := msg.Payload["error_message"].(string)
	result, _ := msg.Payload["result"].(map[string]any)
	if err := r.controller.ReportCommandResult(commandID, status, result, errMsg); err != nil {
		slog.Error("mesh: failed to forward command result", "message_id", msg.MessageID, "error", err)
		return false
	}
	return true
}

func (r *Router) updateReliabilityForSender(senderAddr *net.UDPAddr) {
	addr := senderAddr.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, routes := range r.routeTable {
		for _, rp := range routes {
			if rp.NextHopAddr == addr {
				rp.RecordSuccess()
			}
		}
	}
}

// sendRelayAck sends a RELAY_ACK for messageID to addr, the adjacent
// previous hop the RELAY_DATA arrived from. Acks are not routed further
// back along the path trace, so an originator more than one hop away
// never receives one.
func (r *Router) sendRelayAck(messageID string, success bool, addr *net.UDPAddr) {
	if err := r.peering.Send(EncodeRelayAck(messageID, success), addr.IP.String(), addr.Port); err != nil {
		slog.Debug("mesh: failed to send relay ack", "message_id", messageID, "to", addr, "error", err)
		return
	}
	slog.Debug("mesh: sent relay ack", "message_id", messageID, "success", success, "to", addr)
}

// HandleRelayAck processes an inbound RELAY_ACK, removing the message from
// the inflight cache and firing the completion callback. Acks for unknown
// message ids are silently ignored.
func (r *Router) HandleRelayAck(messageID string, success bool) {
	r.mu.Lock()
	_, ok := r.relayCache[messageID]
	if ok {
		delete(r.relayCache, messageID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	if success {
		slog.Info("mesh: relay confirmed", "message_id", messageID)
	} else {
		slog.Warn("mesh: relay failed", "message_id", messageID)
	}
	if r.onRelayComplete != nil {
		r.onRelayComplete(messageID, success)
	}
}

func floatPtr(payload map[string]any, key string) *float64 {
	v, ok := payload[key]
	if !ok {
		return nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}

func floatMap(payload map[string]any, key string) map[string]float64 {
	v, ok := payload[key]
	if !ok {
		return nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(raw))
	for k, val := range raw {
		if f, ok := val.(float64); ok {
			out[k] = f
		}
	}
	return out
}
