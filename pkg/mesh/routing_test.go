package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	peering := NewPeering(NodeId("test-node-001"), 0, time.Second, 30*time.Second, nil)
	return NewRouter(NodeId("test-node-001"), peering, nil, 60*time.Second, 5, nil)
}

func (r *Router) addTestRoute(dest string, rp *RoutePath) {
	r.mu.Lock()
	r.insertOrUpdateLocked(dest, rp)
	r.mu.Unlock()
}

func TestSelectBestTieBreakByRTT(t *testing.T) {
	r := newTestRouter(t)
	r.addTestRoute(DestController, &RoutePath{NextHop: "node-fast", TotalHops: 2, EstimatedRTTMs: 50, LastUpdated: time.Now()})
	r.addTestRoute(DestController, &RoutePath{NextHop: "node-slow", TotalHops: 2, EstimatedRTTMs: 150, LastUpdated: time.Now()})

	best := r.SelectBest(DestController)
	require.NotNil(t, best)
	require.Equal(t, NodeId("node-fast"), best.NextHop)
}

func TestSelectBestFewerHopsBeatsFasterRTT(t *testing.T) {
	r := newTestRouter(t)
	r.addTestRoute(DestController, &RoutePath{NextHop: "one-hop", TotalHops: 1, EstimatedRTTMs: 100, LastUpdated: time.Now()})
	r.addTestRoute(DestController, &RoutePath{NextHop: "two-hop", TotalHops: 2, EstimatedRTTMs: 50, LastUpdated: time.Now()})

	best := r.SelectBest(DestController)
	require.NotNil(t, best)
	require.Equal(t, NodeId("one-hop"), best.NextHop)
}

func TestSelectBestExpiredRouteIsInvisible(t *testing.T) {
	r := newTestRouter(t)
	r.addTestRoute(DestController, &RoutePath{
		NextHop:        "stale",
		TotalHops:      1,
		EstimatedRTTMs: 10,
		LastUpdated:    time.Now().Add(-120 * time.Second),
	})
	// Router's own routeCacheTTL is 60s (set in newTestRouter).
	require.False(t, r.HasRoute(DestController))
	require.Nil(t, r.SelectBest(DestController))
}

func TestSweepExpiredRemovesStaleRoutesAndPendingRequests(t *testing.T) {
	r := newTestRouter(t)
	r.addTestRoute(DestController, &RoutePath{NextHop: "stale", LastUpdated: time.Now().Add(-120 * time.Second)})
	r.addTestRoute(DestController, &RoutePath{NextHop: "fresh", LastUpdated: time.Now()})

	r.mu.Lock()
	r.pendingRequests["old-req"] = time.Now().Add(-1 * time.Hour)
	r.mu.Unlock()

	removed := r.SweepExpired()
	require.Equal(t, 1, removed)

	remaining := r.AllRoutes(DestController)
	require.Len(t, remaining, 1)
	require.Equal(t, NodeId("fresh"), remaining[0].NextHop)

	r.mu.Lock()
	_, stillPending := r.pendingRequests["old-req"]
	r.mu.Unlock()
	require.False(t, stillPending)
}

func TestHandleRouteResponseIgnoresUnknownRequestID(t *testing.T) {
	r := newTestRouter(t)
	r.HandleRouteResponse(NodeId("node-b"), "unknown-request", DestController, 1, 50)
	require.False(t, r.HasRoute(DestController))
}
