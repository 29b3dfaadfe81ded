package controller

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shurlinet/meshrelay/pkg/mesh"
)

func TestHeartbeatReturnsPendingCommandsAndRecordsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/heartbeat", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "test-node-001", body["node_id"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"pending_commands": []string{"cmd-1"}})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-token", time.Second)
	cmds, err := c.Heartbeat(mesh.NodeId("test-node-001"), nil, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"cmd-1"}, cmds)
	require.WithinDuration(t, time.Now(), c.LastSuccess(), time.Second)
}

func TestHeartbeatSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "overloaded"})
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	_, err := c.Heartbeat(mesh.NodeId("test-node-001"), nil, nil, nil, nil)
	require.ErrorContains(t, err, "overloaded")
	require.True(t, c.LastSuccess().IsZero())
}

func TestReportCommandResultPostsToCommandPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/commands/cmd-7/result", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	err := c.ReportCommandResult("cmd-7", "success", map[string]any{"ok": true}, "")
	require.NoError(t, err)
}

func TestHealthCheckReflectsStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	require.True(t, c.HealthCheck())
}

func TestHealthCheckFalseOnUnreachableServer(t *testing.T) {
	c := New("http://127.0.0.1:1", "", 200*time.Millisecond)
	require.False(t, c.HealthCheck())
}
