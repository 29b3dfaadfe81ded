package mesh

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newStartedPeering(t *testing.T, nodeID NodeId, peerTimeout time.Duration) *Peering {
	t.Helper()
	p := NewPeering(nodeID, 0, 50*time.Millisecond, peerTimeout, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() {
		cancel()
		p.Stop()
	})
	return p
}

func TestAddStaticPeerStartsDiscovered(t *testing.T) {
	p := newStartedPeering(t, "node-a", 30*time.Second)
	p.AddStaticPeer("node-b", "127.0.0.1", 7777)

	peer := p.Peer("node-b")
	require.NotNil(t, peer)
	require.Equal(t, PeerDiscovered, peer.Status)
}

func TestAddStaticPeerSkipsSelf(t *testing.T) {
	p := newStartedPeering(t, "node-a", 30*time.Second)
	p.AddStaticPeer("node-a", "127.0.0.1", 7777)
	require.Nil(t, p.Peer("node-a"))
}

func TestPingPongPromotesPeerToReachable(t *testing.T) {
	a := newStartedPeering(t, "node-a", 30*time.Second)
	b := newStartedPeering(t, "node-b", 30*time.Second)

	bAddr := b.conn.LocalAddr().(*net.UDPAddr)
	a.AddStaticPeer("node-b", "127.0.0.1", bAddr.Port)

	peer := a.Peer("node-b")
	require.NoError(t, a.Send(EncodePingPong(FramePing, "node-a"), peer.Address, peer.Port))

	require.Eventually(t, func() bool {
		p := a.Peer("node-b")
		return p != nil && p.Status == PeerReachable && p.HasRTT
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCheckTimeoutDemotesReachablePeerToUnreachable(t *testing.T) {
	p := newStartedPeering(t, "node-a", 20*time.Millisecond)
	p.peerMu.Lock()
	p.peers["node-b"] = &PeerInfo{
		NodeID:   "node-b",
		Address:  "127.0.0.1",
		Port:     7777,
		Status:   PeerReachable,
		LastSeen: time.Now().Add(-time.Hour),
	}
	p.peerMu.Unlock()

	p.checkTimeout("node-b")

	peer := p.Peer("node-b")
	require.NotNil(t, peer)
	require.Equal(t, PeerUnreachable, peer.Status)
}

func TestCheckTimeoutIgnoresNonReachablePeer(t *testing.T) {
	p := newStartedPeering(t, "node-a", 20*time.Millisecond)
	p.peerMu.Lock()
	p.peers["node-b"] = &PeerInfo{
		NodeID:   "node-b",
		Status:   PeerDiscovered,
		LastSeen: time.Now().Add(-time.Hour),
	}
	p.peerMu.Unlock()

	p.checkTimeout("node-b")

	peer := p.Peer("node-b")
	require.Equal(t, PeerDiscovered, peer.Status, "only REACHABLE peers demote on timeout")
}

func TestReachablePeersFiltersByStatus(t *testing.T) {
	p := newStartedPeering(t, "node-a", 30*time.Second)
	p.peerMu.Lock()
	p.peers["node-b"] = &PeerInfo{NodeID: "node-b", Status: PeerReachable}
	p.peers["node-c"] = &PeerInfo{NodeID: "node-c", Status: PeerDiscovered}
	p.peerMu.Unlock()

	reachable := p.ReachablePeers()
	require.Len(t, reachable, 1)
	require.Equal(t, NodeId("node-b"), reachable[0].NodeID)
}

func TestStatusSummaryCountsAllStatuses(t *testing.T) {
	p := newStartedPeering(t, "node-a", 30*time.Second)
	p.peerMu.Lock()
	p.peers["node-b"] = &PeerInfo{NodeID: "node-b", Status: PeerReachable}
	p.peers["node-c"] = &PeerInfo{NodeID: "node-c", Status: PeerReachable}
	p.peers["node-d"] = &PeerInfo{NodeID: "node-d", Status: PeerUnreachable}
	p.peerMu.Unlock()

	summary := p.StatusSummary()
	require.Equal(t, 2, summary[PeerReachable])
	require.Equal(t, 1, summary[PeerUnreachable])
	require.Equal(t, 0, summary[PeerDiscovered])
}

func TestOnRoutingMessageDispatchesRoutingFrames(t *testing.T) {
	p := newStartedPeering(t, "node-a", 30*time.Second)
	received := make(chan byte, 1)
	p.OnRoutingMessage(func(frameType byte, body []byte, addr *net.UDPAddr) {
		received <- frameType
	})

	other := newStartedPeering(t, "node-b", 30*time.Second)
	aAddr := p.conn.LocalAddr().(*net.UDPAddr)
	require.NoError(t, other.Send(EncodeRouteRequest("node-b", "req-1", "controller"), "127.0.0.1", aAddr.Port))

	select {
	case frameType := <-received:
		require.Equal(t, FrameRouteRequest, frameType)
	case <-time.After(2 * time.Second):
		t.Fatal("routing handler was not invoked")
	}
}
