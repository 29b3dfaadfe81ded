// Package controller implements mesh.ControllerClient against a real HTTP
// controller endpoint, the default transport used when a node can reach
// the controller directly rather than only through the mesh.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shurlinet/meshrelay/pkg/mesh"
)

// Client is a direct HTTP client to a controller's heartbeat/command API.
// It satisfies mesh.ControllerClient.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client

	mu          sync.Mutex
	lastSuccess time.Time
}

// New constructs a controller Client. timeout bounds every request made
// through it, matching the "short request timeout" behavior the reference
// agent relies on to fail fast onto the mesh fallback path.
func New(baseURL, authToken string, timeout time.Duration) *Client {
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

var _ mesh.ControllerClient = (*Client)(nil)

type heartbeatRequest struct {
	NodeID        string             `json:"node_id"`
	CPUUsage      *float64           `json:"cpu_usage,omitempty"`
	MemoryUsage   *float64           `json:"memory_usage,omitempty"`
	DiskUsage     *float64           `json:"disk_usage,omitempty"`
	CustomMetrics map[string]float64 `json:"custom_metrics,omitempty"`
}

type heartbeatResponse struct {
	PendingCommands []string `json:"pending_commands"`
}

// Heartbeat reports liveness and metrics for nodeID, returning any command
// IDs the controller has queued for this node.
func (c *Client) Heartbeat(nodeID mesh.NodeId, cpuUsage, memUsage, diskUsage *float64, customMetrics map[string]float64) ([]string, error) {
	req := heartbeatRequest{
		NodeID:        string(nodeID),
		CPUUsage:      cpuUsage,
		MemoryUsage:   memUsage,
		DiskUsage:     diskUsage,
		CustomMetrics: customMetrics,
	}
	var resp heartbeatResponse
	if err := c.doJSON(http.MethodPost, "/v1/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.lastSuccess = time.Now()
	c.mu.Unlock()
	return resp.PendingCommands, nil
}

type commandResultRequest struct {
	Status       string         `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// ReportCommandResult forwards the outcome of a previously relayed command.
func (c *Client) ReportCommandResult(commandID, status string, result map[string]any, errMsg string) error {
	req := commandResultRequest{Status: status, Result: result, ErrorMessage: errMsg}
	if err := c.doJSON(http.MethodPost, "/v1/commands/"+commandID+"/result", req, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastSuccess = time.Now()
	c.mu.Unlock()
	return nil
}

// HealthCheck performs a lightweight GET against the health endpoint.
func (c *Client) HealthCheck() bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.httpClient.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return false
	}
	c.setAuth(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	ok := resp.StatusCode < 400
	if ok {
		c.mu.Lock()
		c.lastSuccess = time.Now()
		c.mu.Unlock()
	}
	return ok
}

// LastSuccess returns the time of the most recent successful delivery.
func (c *Client) LastSuccess() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccess
}

func (c *Client) setAuth(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

func (c *Client) doJSON(method, path string, body, target any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.httpClient.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("controller request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read controller response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("controller: %s", errResp.Error)
		}
		return fmt.Errorf("controller returned HTTP %d", resp.StatusCode)
	}
	if target != nil && len(data) > 0 {
		if err := json.Unmarshal(data, target); err != nil {
			return fmt.Errorf("failed to decode controller response: %w", err)
		}
	}
	return nil
}
