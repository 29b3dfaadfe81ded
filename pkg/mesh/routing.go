package mesh

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// pendingRequestTTL bounds how long a route discovery request id stays
// live; late ROUTE_RESPONSE frames referencing an expired id are ignored.
const pendingRequestTTL = 10 * time.Second

// maxHopCountSamples bounds the rolling window used for the avg_hop_count
// metric.
const maxHopCountSamples = 100

// directControllerWindow is the staleness window used by DirectOK.
const directControllerWindow = 60 * time.Second

// Router owns route discovery, route selection, and message relay. It
// mirrors the reference implementation's single combined class: one lock
// guards route_table, pending_requests, relay_cache, and the rolling
// metrics together, since they are always read and mutated as a unit.
type Router struct {
	nodeID        NodeId
	peering       *Peering
	controller    ControllerClient
	routeCacheTTL time.Duration
	maxHops       int
	metrics       *Metrics

	mu              sync.Mutex
	routeTable      map[string][]*RoutePath
	pendingRequests map[string]time.Time
	relayCache      map[string]*RelayMessage
	hopCountSamples []int

	routesDiscovered     int
	messagesRelayed      int
	successfulDeliveries int
	failedRelays         int

	onRelayComplete func(messageID string, success bool)
}

// NewRouter constructs a Router bound to the given Peering and controller
// client. Callers must register the resulting OnInboundFrame method with
// peering.OnRoutingMessage to wire the two together.
func NewRouter(nodeID NodeId, peering *Peering, controller ControllerClient, routeCacheTTL time.Duration, maxHops int, metrics *Metrics) *Router {
	return &Router{
		nodeID:          nodeID,
		peering:         peering,
		controller:      controller,
		routeCacheTTL:   routeCacheTTL,
		maxHops:         maxHops,
		metrics:         metrics,
		routeTable:      make(map[string][]*RoutePath),
		pendingRequests: make(map[string]time.Time),
		relayCache:      make(map[string]*RelayMessage),
	}
}

// OnRelayComplete registers a callback fired when a relayed message's
// outcome (success or failure) becomes known via an incoming RELAY_ACK.
func (r *Router) OnRelayComplete(f func(messageID string, success bool)) { r.onRelayComplete = f }

// OnInboundFrame is the RoutingMessageHandler to register with Peering; it
// dispatches each of the four routing-layer frame types.
func (r *Router) OnInboundFrame(frameType byte, body []byte, addr *net.UDPAddr) {
	switch frameType {
	case FrameRouteRequest:
		fields, err := DecodeRouteRequest(body)
		if err != nil {
			slog.Debug("mesh: dropping malformed route_request", "error", err)
			return
		}
		r.HandleRouteRequest(fields.SenderID, addr, fields.RequestID, fields.Destination)
	case FrameRouteResponse:
		fields, err := DecodeRouteResponse(body)
		if err != nil {
			slog.Debug("mesh: dropping malformed route_response", "error", err)
			return
		}
		r.HandleRouteResponse(fields.SenderID, fields.RequestID, fields.Destination, int(fields.Hops), float64(fields.RTTMs))
	case FrameRelayData:
		r.HandleIncomingRelay(body, addr)
	case FrameRelayAck:
		fields, err := DecodeRelayAck(body)
		if err != nil {
			slog.Debug("mesh: dropping malformed relay_ack", "error", err)
			return
		}
		r.HandleRelayAck(fields.MessageID, fields.Success)
	}
}

// --- Routing table operations (§4.3) ---

// insertOrUpdateLocked overwrites an existing entry with the same NextHop,
// or appends a new one. Caller must hold r.mu.
func (r *Router) insertOrUpdateLocked(dest string, rp *RoutePath) {
	existing := r.routeTable[dest]
	for _, e := range existing {
		if e.NextHop == rp.NextHop {
			e.TotalHops = rp.TotalHops
			e.EstimatedRTTMs = rp.EstimatedRTTMs
			e.LastUpdated = rp.LastUpdated
			return
		}
	}
	r.routeTable[dest] = append(r.routeTable[dest], rp)
	r.routesDiscovered++
	if r.metrics != nil {
		r.metrics.RoutesDiscovered.Inc()
	}
}

// HasRoute reports whether any non-expired route exists to dest.
func (r *Router) HasRoute(dest string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rp := range r.routeTable[dest] {
		if !rp.IsExpired(r.routeCacheTTL) {
			return true
		}
	}
	return false
}

// nonExpiredRoutesLocked returns the non-expired routes for dest. Caller
// must hold r.mu. The returned slice shares RoutePath pointers with the
// table so RecordSuccess/RecordFailure mutate the live entries.
func (r *Router) nonExpiredRoutesLocked(dest string) []*RoutePath {
	all := r.routeTable[dest]
	out := make([]*RoutePath, 0, len(all))
	for _, rp := range all {
		if !rp.IsExpired(r.routeCacheTTL) {
			out = append(out, rp)
		}
	}
	return out
}

func sortRoutes(routes []*RoutePath) {
	sort.SliceStable(routes, func(i, j int) bool {
		a, b := routes[i], routes[j]
		if a.TotalHops != b.TotalHops {
			return a.TotalHops < b.TotalHops
		}
		if a.EstimatedRTTMs != b.EstimatedRTTMs {
			return a.EstimatedRTTMs < b.EstimatedRTTMs
		}
		return a.Reliability > b.Reliability
	})
}

// SelectBest returns the preferred non-expired route to dest, or nil.
// Ordering: fewest hops, then lowest RTT, then highest reliability.
func (r *Router) SelectBest(dest string) *RoutePath {
	r.mu.Lock()
	defer r.mu.Unlock()
	routes := r.nonExpiredRoutesLocked(dest)
	if len(routes) == 0 {
		return nil
	}
	sortRoutes(routes)
	return routes[0]
}

// AllRoutes returns all non-expired routes to dest.
func (r *Router) AllRoutes(dest string) []*RoutePath {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nonExpiredRoutesLocked(dest)
}

// Invalidate drops every route to dest via nextHop.
func (r *Router) Invalidate(dest string, nextHop NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.routeTable[dest][:0]
	for _, rp := range r.routeTable[dest] {
		if rp.NextHop != nextHop {
			kept = append(kept, rp)
		}
	}
	r.routeTable[dest] = kept
	slog.Info("mesh: route invalidated", "destination", dest, "next_hop", nextHop)
}

// SweepExpired removes expired routes (and now-empty destinations) from
// the table, and stale pending requests. Returns the number of routes
// removed.
func (r *Router) SweepExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for dest, routes := range r.routeTable {
		kept := routes[:0]
		for _, rp := range routes {
			if rp.IsExpired(r.routeCacheTTL) {
				removed++
				continue
			}
			kept = append(kept, rp)
		}
		if len(kept) == 0 {
			delete(r.routeTable, dest)
		} else {
			r.routeTable[dest] = kept
		}
	}

	now := time.Now()
	for id, created := range r.pendingRequests {
		if now.Sub(created) > pendingRequestTTL {
			delete(r.pendingRequests, id)
		}
	}

	if removed > 0 {
		slog.Debug("mesh: swept expired routes", "removed", removed)
	}
	return removed
}

// RoutingStatus is a debugging/observability snapshot, analogous to
// get_routing_status() in the reference implementation.
type RoutingStatus struct {
	NodeID              NodeId
	CanReachController  bool
	RouteCount          map[string]int
	PendingRequestCount int
	CachedRelayCount    int
	RoutesDiscovered    int
	MessagesRelayed     int
	SuccessfulDeliveries int
	FailedRelays        int
	AvgHopCount         float64
}

// Status returns a point-in-time snapshot of routing state.
func (r *Router) Status() RoutingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	routeCount := make(map[string]int, len(r.routeTable))
	for dest, routes := range r.routeTable {
		routeCount[dest] = len(routes)
	}

	return RoutingStatus{
		NodeID:               r.nodeID,
		CanReachController:   DirectOK(r.controller, directControllerWindow),
		RouteCount:           routeCount,
		PendingRequestCount:  len(r.pendingRequests),
		CachedRelayCount:     len(r.relayCache),
		RoutesDiscovered:     r.routesDiscovered,
		MessagesRelayed:      r.messagesRelayed,
		SuccessfulDeliveries: r.successfulDeliveries,
		FailedRelays:         r.failedRelays,
		AvgHopCount:          r.avgHopCountLocked(),
	}
}

func (r *Router) avgHopCountLocked() float64 {
	if len(r.hopCountSamples) == 0 {
		return 0
	}
	sum := 0
	for _, h := range r.hopCountSamples {
		sum += h
	}
	return float64(sum) / float64(len(r.hopCountSamples))
}

func formatAddr(address string, port int) string {
	return net.JoinHostPort(address, strconv.Itoa(port))
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return host, port, nil
}
