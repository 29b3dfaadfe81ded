package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// socketReadTimeout bounds each blocking recv so Stop can unblock the
// listener goroutine promptly without a dedicated cancellation channel.
const socketReadTimeout = 1 * time.Second

// RoutingMessageHandler processes an inbound routing-layer frame (any of
// ROUTE_REQUEST, ROUTE_RESPONSE, RELAY_DATA, RELAY_ACK). frameType is the
// leading byte; body is everything after it.
type RoutingMessageHandler func(frameType byte, body []byte, addr *net.UDPAddr)

// Peering owns the UDP socket, peer table, and liveness protocol. It hands
// routing-layer frames to a caller-supplied handler rather than depending
// on the Router type directly, resolving the peering/routing cycle noted
// in the design: peering exposes Send and a handler registration point,
// and the router depends only on that.
type Peering struct {
	nodeID            NodeId
	listenPort        int
	heartbeatInterval time.Duration
	peerTimeout       time.Duration

	peerMu sync.RWMutex
	peers  map[NodeId]*PeerInfo

	pendingMu    sync.Mutex
	pendingPings map[NodeId]time.Time

	conn *net.UDPConn

	routingHandler    RoutingMessageHandler
	onPeerDiscovered  func(*PeerInfo)
	onPeerStatusChange func(peer *PeerInfo, old PeerStatus)

	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPeering constructs a Peering instance. Call Start to bind the socket
// and begin the listener/heartbeat goroutines.
func NewPeering(nodeID NodeId, listenPort int, heartbeatInterval, peerTimeout time.Duration, metrics *Metrics) *Peering {
	return &Peering{
		nodeID:            nodeID,
		listenPort:        listenPort,
		heartbeatInterval: heartbeatInterval,
		peerTimeout:       peerTimeout,
		peers:             make(map[NodeId]*PeerInfo),
		pendingPings:      make(map[NodeId]time.Time),
		metrics:           metrics,
	}
}

// AddStaticPeer registers a peer from static configuration. Self-references
// are skipped.
func (p *Peering) AddStaticPeer(nodeID NodeId, address string, port int) {
	if nodeID == p.nodeID {
		return
	}
	p.peerMu.Lock()
	p.peers[nodeID] = &PeerInfo{
		NodeID:  nodeID,
		Address: address,
		Port:    port,
		Status:  PeerDiscovered,
	}
	p.peerMu.Unlock()
	slog.Info("mesh: added static peer", "peer", nodeID, "addr", address, "port", port)
}

// OnRoutingMessage registers the handler invoked for routing-layer frames.
func (p *Peering) OnRoutingMessage(h RoutingMessageHandler) { p.routingHandler = h }

// OnPeerDiscovered registers a callback fired when a previously-unknown
// peer is sighted.
func (p *Peering) OnPeerDiscovered(f func(*PeerInfo)) { p.onPeerDiscovered = f }

// OnPeerStatusChanged registers a callback fired whenever a peer's status
// transitions.
func (p *Peering) OnPeerStatusChanged(f func(peer *PeerInfo, old PeerStatus)) {
	p.onPeerStatusChange = f
}

// Start binds the UDP socket and launches the listener and heartbeat
// goroutines. On bind failure it returns an error wrapping ErrBindFailed
// and starts nothing; the daemon command in cmd/meshrelayd exits on that
// error rather than running on without the mesh.
func (p *Peering) Start(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: p.listenPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("%w: port %d: %v", ErrBindFailed, p.listenPort, err)
	}
	p.conn = conn

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(2)
	go p.listenLoop()
	go p.heartbeatLoop()

	slog.Info("mesh: peering listening", "port", p.listenPort)
	return nil
}

// Stop closes the socket, which unblocks the listener, and waits (bounded)
// for both goroutines to exit.
func (p *Peering) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	done := make(chan struct{})
	go func() { p.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		slog.Warn("mesh: peering shutdown timed out waiting for goroutines")
	}
}

// Send transmits a raw frame to a specific address. Used by the relay
// engine and route discovery to send routing-layer frames.
func (p *Peering) Send(data []byte, address string, port int) error {
	conn := p.conn
	if conn == nil {
		return ErrSocketClosed
	}
	addr := &net.UDPAddr{IP: net.ParseIP(address), Port: port}
	_, err := conn.WriteToUDP(data, addr)
	return err
}

func (p *Peering) listenLoop() {
	defer p.wg.Done()
	buf := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		p.conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
		n, addr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-p.ctx.Done():
				return
			default:
				slog.Debug("mesh: listener read error", "error", err)
				continue
			}
		}
		p.handleMessage(buf[:n], addr)
	}
}

func (p *Peering) handleMessage(data []byte, addr *net.UDPAddr) {
	if len(data) < 2 {
		return
	}
	frameType := data[0]
	body := data[1:]

	switch frameType {
	case FramePing:
		senderID, err := DecodePingPong(body)
		if err != nil {
			slog.Debug("mesh: malformed ping", "error", err)
			return
		}
		p.sendPong(addr)
		p.updatePeerStatus(senderID, addr, PeerReachable, 0, false)
	case FramePong:
		senderID, err := DecodePingPong(body)
		if err != nil {
			slog.Debug("mesh: malformed pong", "error", err)
			return
		}
		var rtt float64
		haveRTT := false
		p.pendingMu.Lock()
		if sent, ok := p.pendingPings[senderID]; ok {
			rtt = float64(time.Since(sent).Microseconds()) / 1000.0
			haveRTT = true
			delete(p.pendingPings, senderID)
		}
		p.pendingMu.Unlock()
		p.updatePeerStatus(senderID, addr, PeerReachable, rtt, haveRTT)
	case FrameRouteRequest, FrameRouteResponse, FrameRelayData, FrameRelayAck:
		if p.routingHandler != nil {
			p.routingHandler(frameType, body, addr)
		} else {
			slog.Debug("mesh: routing frame dropped, no handler registered", "type", frameType)
		}
	default:
		// Unknown frame type (including reserved ANNOUNCE): tolerate
		// silently, never log at error level per datagram.
	}
}

func (p *Peering) sendPong(addr *net.UDPAddr) {
	msg := EncodePingPong(FramePong, p.nodeID)
	if _, err := p.conn.WriteToUDP(msg, addr); err != nil {
		slog.Debug("mesh: failed to send pong", "addr", addr, "error", err)
	}
}

func (p *Peering) updatePeerStatus(nodeID NodeId, addr *net.UDPAddr, status PeerStatus, rttMs float64, haveRTT bool) {
	now := time.Now()

	p.peerMu.Lock()
	peer, existed := p.peers[nodeID]
	var old PeerStatus
	var discovered *PeerInfo
	if existed {
		old = peer.Status
		peer.Status = status
		peer.LastSeen = now
		if haveRTT {
			peer.RTTMs = rttMs
			peer.HasRTT = true
		}
	} else {
		peer = &PeerInfo{
			NodeID:   nodeID,
			Address:  addr.IP.String(),
			Port:     addr.Port,
			Status:   status,
			LastSeen: now,
			RTTMs:    rttMs,
			HasRTT:   haveRTT,
		}
		p.peers[nodeID] = peer
		discovered = peer
	}
	p.peerMu.Unlock()

	if discovered != nil {
		slog.Info("mesh: discovered new peer", "peer", nodeID, "addr", addr)
		if p.onPeerDiscovered != nil {
			p.onPeerDiscovered(discovered)
		}
		return
	}
	if old != status {
		slog.Info("mesh: peer status changed", "peer", nodeID, "from", old, "to", status)
		if p.onPeerStatusChange != nil {
			p.onPeerStatusChange(peer, old)
		}
	}
}

func (p *Peering) heartbeatLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pingAllAndSweep()
		}
	}
}

func (p *Peering) pingAllAndSweep() {
	for _, peer := range p.snapshotPeers() {
		p.sendPing(peer)
		p.checkTimeout(peer.NodeID)
	}
}

func (p *Peering) snapshotPeers() []*PeerInfo {
	p.peerMu.RLock()
	defer p.peerMu.RUnlock()
	out := make([]*PeerInfo, 0, len(p.peers))
	for _, peer := range p.peers {
		cp := *peer
		out = append(out, &cp)
	}
	return out
}

func (p *Peering) sendPing(peer *PeerInfo) {
	conn := p.conn
	if conn == nil {
		return
	}
	addr := &net.UDPAddr{IP: net.ParseIP(peer.Address), Port: peer.Port}
	msg := EncodePingPong(FramePing, p.nodeID)
	if _, err := conn.WriteToUDP(msg, addr); err != nil {
		slog.Debug("mesh: failed to ping peer", "peer", peer.NodeID, "error", err)
		return
	}
	p.pendingMu.Lock()
	p.pendingPings[peer.NodeID] = time.Now()
	p.pendingMu.Unlock()
}

func (p *Peering) checkTimeout(nodeID NodeId) {
	p.peerMu.Lock()
	peer, ok := p.peers[nodeID]
	if !ok || peer.Status != PeerReachable {
		p.peerMu.Unlock()
		return
	}
	elapsed := time.Since(peer.LastSeen)
	if elapsed <= p.peerTimeout {
		p.peerMu.Unlock()
		return
	}
	old := peer.Status
	peer.Status = PeerUnreachable
	cp := *peer
	p.peerMu.Unlock()

	slog.Warn("mesh: peer unreachable", "peer", nodeID, "elapsed", elapsed)
	if p.onPeerStatusChange != nil {
		p.onPeerStatusChange(&cp, old)
	}
}

// ReachablePeers returns a snapshot of currently REACHABLE peers.
func (p *Peering) ReachablePeers() []*PeerInfo {
	p.peerMu.RLock()
	defer p.peerMu.RUnlock()
	out := make([]*PeerInfo, 0)
	for _, peer := range p.peers {
		if peer.Status == PeerReachable {
			cp := *peer
			out = append(out, &cp)
		}
	}
	return out
}

// Peer returns a snapshot of the named peer, or nil if unknown.
func (p *Peering) Peer(nodeID NodeId) *PeerInfo {
	p.peerMu.RLock()
	defer p.peerMu.RUnlock()
	peer, ok := p.peers[nodeID]
	if !ok {
		return nil
	}
	cp := *peer
	return &cp
}

// StatusSummary returns a count of peers by status, for the status API's
// snapshot.
func (p *Peering) StatusSummary() map[PeerStatus]int {
	p.peerMu.RLock()
	defer p.peerMu.RUnlock()
	summary := map[PeerStatus]int{PeerUnknown: 0, PeerDiscovered: 0, PeerReachable: 0, PeerUnreachable: 0}
	for _, peer := range p.peers {
		summary[peer.Status]++
	}
	return summary
}
