package mesh

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeController struct {
	lastSuccess time.Time
	healthy     bool
}

func (f *fakeController) Heartbeat(NodeId, *float64, *float64, *float64, map[string]float64) ([]string, error) {
	return nil, nil
}
func (f *fakeController) ReportCommandResult(string, string, map[string]any, string) error { return nil }
func (f *fakeController) HealthCheck() bool                                                { return f.healthy }
func (f *fakeController) LastSuccess() time.Time                                           { return f.lastSuccess }

func TestNewRequestIDIsEightHexChars(t *testing.T) {
	id := newRequestID()
	require.Len(t, id, 8)
	for _, c := range id {
		require.Contains(t, "0123456789abcdef", string(c))
	}
}

func TestDiscoverRoutesTracksPendingRequestAndBroadcasts(t *testing.T) {
	router := newTestRouter(t)
	requestID := router.DiscoverRoutes(DestController)

	router.mu.Lock()
	_, pending := router.pendingRequests[requestID]
	router.mu.Unlock()
	require.True(t, pending)
}

func TestHandleRouteRequestForSelfRespondsZeroHops(t *testing.T) {
	router, receiver := newRelayTestRouter(t)
	addr := receiver.LocalAddr().(*net.UDPAddr)

	router.HandleRouteRequest("node-b", addr, "req-1", "test-node-001")

	receiver.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, MaxDatagramSize)
	n, _, err := receiver.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, FrameRouteResponse, buf[0])

	fields, err := DecodeRouteResponse(buf[1:n])
	require.NoError(t, err)
	require.Equal(t, uint16(0), fields.Hops)
}

func TestHandleRouteRequestForControllerViaDirectConnectivity(t *testing.T) {
	router, receiver := newRelayTestRouter(t)
	addr := receiver.LocalAddr().(*net.UDPAddr)
	router.controller = &fakeController{lastSuccess: time.Now()}

	router.HandleRouteRequest("node-b", addr, "req-1", DestController)

	receiver.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, MaxDatagramSize)
	n, _, err := receiver.ReadFromUDP(buf)
	require.NoError(t, err)

	fields, err := DecodeRouteResponse(buf[1:n])
	require.NoError(t, err)
	require.Equal(t, uint16(0), fields.Hops)
	require.InDelta(t, nominalDirectRTTMs, float64(fields.RTTMs), 0.001)
}

func TestHandleRouteRequestForControllerViaKnownRoute(t *testing.T) {
	router, receiver := newRelayTestRouter(t)
	addr := receiver.LocalAddr().(*net.UDPAddr)
	router.controller = &fakeController{}
	router.addTestRoute(DestController, &RoutePath{
		NextHop:        "node-c",
		TotalHops:      1,
		EstimatedRTTMs: 50,
		LastUpdated:    time.Now(),
	})

	router.HandleRouteRequest("node-b", addr, "req-1", DestController)

	receiver.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, MaxDatagramSize)
	n, _, err := receiver.ReadFromUDP(buf)
	require.NoError(t, err)

	fields, err := DecodeRouteResponse(buf[1:n])
	require.NoError(t, err)
	require.Equal(t, uint16(2), fields.Hops)
}

func TestHandleRouteRequestNoKnowledgeSendsNoResponse(t *testing.T) {
	router, receiver := newRelayTestRouter(t)
	addr := receiver.LocalAddr().(*net.UDPAddr)
	router.controller = &fakeController{}

	router.HandleRouteRequest("node-b", addr, "req-1", DestController)

	receiver.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, MaxDatagramSize)
	_, _, err := receiver.ReadFromUDP(buf)
	require.Error(t, err, "no route knowledge should mean no route_response is sent")
}

func TestHandleRouteResponseInsertsRouteForKnownRequest(t *testing.T) {
	router := newTestRouter(t)
	requestID := router.DiscoverRoutes(DestController)

	router.HandleRouteResponse("node-b", requestID, DestController, 1, 50)

	best := router.SelectBest(DestController)
	require.NotNil(t, best)
	require.Equal(t, NodeId("node-b"), best.NextHop)
	require.Equal(t, 2, best.TotalHops)
}
