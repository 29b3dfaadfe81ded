package statusapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shurlinet/meshrelay/pkg/mesh"
)

type fakeRuntime struct{}

func (fakeRuntime) RoutingStatus() mesh.RoutingStatus {
	return mesh.RoutingStatus{NodeID: "test-node-001", RouteCount: map[string]int{"controller": 1}}
}
func (fakeRuntime) PeerStatusSummary() map[mesh.PeerStatus]int {
	return map[mesh.PeerStatus]int{mesh.PeerReachable: 2}
}
func (fakeRuntime) BufferPendingCounts() map[string]int {
	return map[string]int{"telemetry": 3, "total": 3}
}

func unixHTTPClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
		Timeout: 2 * time.Second,
	}
}

func TestStatusEndpointRequiresBearerCookie(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "meshrelayd.sock")

	s := NewServer(fakeRuntime{}, socketPath)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	cookie, err := os.ReadFile(socketPath + ".cookie")
	require.NoError(t, err)

	client := unixHTTPClient(socketPath)

	resp, err := client.Get("http://unix/v1/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, "http://unix/v1/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+string(cookie))
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "test-node-001", body["node_id"])
	require.Equal(t, float64(3), body["buffer_pending"].(map[string]any)["total"])
}

func TestStopRemovesSocketAndCookie(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "meshrelayd.sock")

	s := NewServer(fakeRuntime{}, socketPath)
	require.NoError(t, s.Start())
	s.Stop()

	_, err := os.Stat(socketPath)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(socketPath + ".cookie")
	require.True(t, os.IsNotExist(err))
}
