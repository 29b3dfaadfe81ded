package mesh

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"time"
)

// nominalDirectRTTMs is the estimated RTT advertised when this node can
// reach the controller directly (§4.4 step 3).
const nominalDirectRTTMs = 10.0

// relayOverheadRTTMs is added to a mesh route's RTT when advertising it to
// a peer one hop further out.
const relayOverheadRTTMs = 20.0

// defaultPeerRTTMs is used when responding about a reachable peer whose
// RTT hasn't been measured yet.
const defaultPeerRTTMs = 50.0

// defaultNextHopRTTMs is used when computing the complete RTT through a
// responder whose own RTT to us hasn't been measured yet.
const defaultNextHopRTTMs = 20.0

// newRequestID generates an 8-character hex request id, matching the
// truncated-uuid4 id used by the reference implementation.
func newRequestID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// DiscoverRoutes broadcasts a ROUTE_REQUEST to every reachable peer and
// returns the request id for tracking responses.
func (r *Router) DiscoverRoutes(destination string) string {
	requestID := newRequestID()

	r.mu.Lock()
	r.pendingRequests[requestID] = time.Now()
	r.mu.Unlock()

	peers := r.peering.ReachablePeers()
	msg := EncodeRouteRequest(r.nodeID, requestID, destination)
	for _, peer := range peers {
		if err := r.peering.Send(msg, peer.Address, peer.Port); err != nil {
			slog.Warn("mesh: failed to send route_request", "peer", peer.NodeID, "error", err)
		}
	}

	slog.Info("mesh: route discovery initiated", "destination", destination, "request_id", requestID, "peers", len(peers))
	return requestID
}

// HandleRouteRequest answers an inbound ROUTE_REQUEST if this node has a
// usable distance estimate to the requested destination (§4.4 step 3).
func (r *Router) HandleRouteRequest(senderID NodeId, senderAddr *net.UDPAddr, requestID, destination string) {
	hops := -1
	rttMs := 0.0

	switch {
	case destination == DestController:
		if DirectOK(r.controller, directControllerWindow) {
			hops = 0
			rttMs = nominalDirectRTTMs
		} else if best := r.SelectBest(DestController); best != nil {
			hops = best.TotalHops + 1
			rttMs = best.EstimatedRTTMs + relayOverheadRTTMs
		}
	case destination == string(r.nodeID):
		hops = 0
		rttMs = 0.0
	default:
		if peer := r.peering.Peer(NodeId(destination)); peer != nil && peer.Status == PeerReachable {
			hops = 1
			rttMs = defaultPeerRTTMs
			if peer.HasRTT {
				rttMs = peer.RTTMs
			}
		}
	}

	if hops < 0 {
		return
	}

	resp := EncodeRouteResponse(r.nodeID, requestID, destination, uint16(hops), float32(rttMs))
	if err := r.peering.Send(resp, senderAddr.IP.String(), senderAddr.Port); err != nil {
		slog.Debug("mesh: failed to send route_response", "to", senderID, "error", err)
		return
	}
	slog.Debug("mesh: sent route_response", "destination", destination, "hops", hops, "rtt_ms", rttMs)
}

// HandleRouteResponse processes an inbound ROUTE_RESPONSE, rejecting stale
// or unknown request ids, and inserts/updates the routing table with the
// complete hop count and RTT computed through the responder.
func (r *Router) HandleRouteResponse(senderID NodeId, requestID, destination string, hops int, rttMs float64) {
	r.mu.Lock()
	created, known := r.pendingRequests[requestID]
	r.mu.Unlock()
	if !known || time.Since(created) > pendingRequestTTL {
		slog.Debug("mesh: ignoring route_response with unknown or expired request_id", "request_id", requestID)
		return
	}

	nextHopRTT := defaultNextHopRTTMs
	if peer := r.peering.Peer(senderID); peer != nil && peer.HasRTT {
		nextHopRTT = peer.RTTMs
	}

	var addr string
	if peer := r.peering.Peer(senderID); peer != nil {
		addr = formatAddr(peer.Address, peer.Port)
	}

	route := &RoutePath{
		Target:         destination,
		NextHop:        senderID,
		NextHopAddr:    addr,
		TotalHops:      hops + 1,
		EstimatedRTTMs: rttMs + nextHopRTT,
		LastUpdated:    time.Now(),
		Reliability:    1.0,
	}

	r.mu.Lock()
	r.insertOrUpdateLocked(destination, route)
	r.mu.Unlock()

	slog.Info("mesh: route discovered", "destination", destination, "via", senderID, "hops", route.TotalHops, "rtt_ms", route.EstimatedRTTMs)
}
