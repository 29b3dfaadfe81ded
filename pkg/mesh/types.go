// Package mesh implements the tactical-edge mesh relay core: peer liveness,
// route discovery, route selection, TTL-bounded relay with loop prevention,
// and a store-and-forward buffer for use while the controller is unreachable.
package mesh

import (
	"time"

	"github.com/google/uuid"
)

// NodeId identifies a node in the mesh. It is a plain string so it can be
// used directly as a map key and round-trips through JSON without a custom
// marshaler.
type NodeId string

// DestController is the reserved destination meaning "the controller",
// as opposed to a specific NodeId.
const DestController = "controller"

// PeerStatus is a peer's position in the liveness state machine:
// UNKNOWN -> DISCOVERED -> REACHABLE -> UNREACHABLE -> REACHABLE.
type PeerStatus int

const (
	PeerUnknown PeerStatus = iota
	PeerDiscovered
	PeerReachable
	PeerUnreachable
)

func (s PeerStatus) String() string {
	switch s {
	case PeerDiscovered:
		return "discovered"
	case PeerReachable:
		return "reachable"
	case PeerUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// PeerInfo describes a known peer and its last-observed liveness.
type PeerInfo struct {
	NodeID   NodeId
	Address  string
	Port     int
	Status   PeerStatus
	LastSeen time.Time
	RTTMs    float64 // zero means "unknown", not "zero RTT"
	HasRTT   bool
}

// IsStale reports whether the peer has gone unseen longer than d.
func (p *PeerInfo) IsStale(d time.Duration) bool {
	if p.LastSeen.IsZero() {
		return true
	}
	return time.Since(p.LastSeen) > d
}

// RoutePath is one discovered path to a destination via a next-hop peer.
type RoutePath struct {
	Target         string
	NextHop        NodeId
	NextHopAddr    string // "ip:port"
	TotalHops      int
	EstimatedRTTMs float64
	LastUpdated    time.Time
	Reliability    float64
	SuccessCount   int
	FailureCount   int
}

// IsExpired reports whether the route has aged past ttl since LastUpdated.
func (r *RoutePath) IsExpired(ttl time.Duration) bool {
	return time.Since(r.LastUpdated) > ttl
}

// RecordSuccess bumps the success counter, recomputes reliability, and
// refreshes LastUpdated so the route doesn't expire out from under a
// working path.
func (r *RoutePath) RecordSuccess() {
	r.SuccessCount++
	r.updateReliability()
	r.LastUpdated = time.Now()
}

// RecordFailure bumps the failure counter and recomputes reliability.
// LastUpdated is deliberately left alone: a failing route should still
// expire on schedule rather than be kept alive by failed attempts.
func (r *RoutePath) RecordFailure() {
	r.FailureCount++
	r.updateReliability()
}

func (r *RoutePath) updateReliability() {
	total := r.SuccessCount + r.FailureCount
	if total > 0 {
		r.Reliability = float64(r.SuccessCount) / float64(total)
	}
}

// degraded reports whether the route has tripped the circuit breaker:
// three or more failures and reliability below 0.2.
func (r *RoutePath) degraded() bool {
	return r.FailureCount >= 3 && r.Reliability < 0.2
}

// RelayMessage is the envelope relayed hop-by-hop through the mesh.
type RelayMessage struct {
	MessageID     uuid.UUID
	MsgType       string // "heartbeat", "command_result", "command"
	OriginNodeID  NodeId
	Destination   string
	HopCount      int
	MaxHops       int
	Payload       map[string]any
	PathTrace     []NodeId
	Timestamp     time.Time
}

// IncrementHop appends self to the path trace and bumps the hop count.
// It reports whether the message may still be relayed further. Matching
// the reference implementation, the hop count is incremented even when
// the result is false: a message that trips TTL on this very hop still
// carries the evidence of having been touched here.
func (m *RelayMessage) IncrementHop(self NodeId) bool {
	m.HopCount++
	m.PathTrace = append(m.PathTrace, self)
	return m.HopCount <= m.MaxHops
}

// PendingRequest tracks an in-flight ROUTE_REQUEST awaiting responses.
type PendingRequest struct {
	RequestID string
	CreatedAt time.Time
}

// BufferedItem is one entry held by the Local Buffer while the controller
// is unreachable.
type BufferedItem struct {
	ItemType     string // "telemetry" or "command_result"
	Data         map[string]any
	Timestamp    time.Time
	AttemptCount int
}

// key identifies a buffered item for mark_flushed/mark_failed matching,
// mirroring the (item_type, timestamp) tuple used by the reference buffer.
func (b BufferedItem) key() bufferKey {
	return bufferKey{itemType: b.ItemType, timestamp: b.Timestamp.UnixNano()}
}

type bufferKey struct {
	itemType  string
	timestamp int64
}
