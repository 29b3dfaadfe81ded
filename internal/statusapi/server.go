// Package statusapi exposes mesh routing, peer, and buffer status over a
// Unix socket HTTP API, for local operator tooling (status checks,
// monitoring scrapes that can't reach Prometheus directly).
package statusapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/shurlinet/meshrelay/pkg/mesh"
)

// RuntimeInfo is the small capability the status API needs from the
// running agent. A narrow interface here keeps this package independent
// of cmd/meshrelayd's wiring.
type RuntimeInfo interface {
	RoutingStatus() mesh.RoutingStatus
	PeerStatusSummary() map[mesh.PeerStatus]int
	BufferPendingCounts() map[string]int
}

// Server is the status API's Unix socket HTTP server.
type Server struct {
	runtime    RuntimeInfo
	socketPath string
	authToken  string
	httpServer *http.Server
	listener   net.Listener
}

// NewServer constructs a Server. socketPath is where the Unix socket and
// sibling cookie file (socketPath + ".cookie") are created.
func NewServer(runtime RuntimeInfo, socketPath string) *Server {
	return &Server{runtime: runtime, socketPath: socketPath}
}

// Start binds the Unix socket, writes the auth cookie, and begins serving
// in a background goroutine.
func (s *Server) Start() error {
	token, err := generateCookie()
	if err != nil {
		return fmt.Errorf("failed to generate auth cookie: %w", err)
	}
	s.authToken = token

	if err := s.removeStaleSocket(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	cookiePath := s.socketPath + ".cookie"
	if err := os.WriteFile(cookiePath, []byte(token), 0o600); err != nil {
		listener.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("failed to write cookie file: %w", err)
	}

	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.handleStatus)

	s.httpServer = &http.Server{
		Handler:      s.authMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("mesh: status api server error", "error", err)
		}
	}()

	slog.Info("mesh: status api listening", "socket", s.socketPath)
	return nil
}

// Stop gracefully shuts down the server and removes the socket and cookie.
func (s *Server) Stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}
	os.Remove(s.socketPath)
	os.Remove(s.socketPath + ".cookie")
}

func (s *Server) removeStaleSocket() error {
	if _, err := os.Stat(s.socketPath); os.IsNotExist(err) {
		return nil
	}
	conn, err := net.DialTimeout("unix", s.socketPath, 2*time.Second)
	if err != nil {
		os.Remove(s.socketPath)
		return nil
	}
	conn.Close()
	return fmt.Errorf("status api socket %s is already in use", s.socketPath)
}

type statusResponse struct {
	NodeID               mesh.NodeId      `json:"node_id"`
	CanReachController   bool             `json:"can_reach_controller"`
	RouteCount           map[string]int   `json:"route_count"`
	PendingRequestCount  int              `json:"pending_request_count"`
	CachedRelayCount     int              `json:"cached_relay_count"`
	RoutesDiscovered     int              `json:"routes_discovered"`
	MessagesRelayed      int              `json:"messages_relayed"`
	SuccessfulDeliveries int              `json:"successful_deliveries"`
	FailedRelays         int              `json:"failed_relays"`
	AvgHopCount          float64          `json:"avg_hop_count"`
	PeersByStatus        map[string]int   `json:"peers_by_status"`
	BufferPending        map[string]int   `json:"buffer_pending"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rs := s.runtime.RoutingStatus()
	peerSummary := s.runtime.PeerStatusSummary()
	peersByStatus := make(map[string]int, len(peerSummary))
	for status, count := range peerSummary {
		peersByStatus[status.String()] = count
	}

	resp := statusResponse{
		NodeID:               rs.NodeID,
		CanReachController:   rs.CanReachController,
		RouteCount:           rs.RouteCount,
		PendingRequestCount:  rs.PendingRequestCount,
		CachedRelayCount:     rs.CachedRelayCount,
		RoutesDiscovered:     rs.RoutesDiscovered,
		MessagesRelayed:      rs.MessagesRelayed,
		SuccessfulDeliveries: rs.SuccessfulDeliveries,
		FailedRelays:         rs.FailedRelays,
		AvgHopCount:          rs.AvgHopCount,
		PeersByStatus:        peersByStatus,
		BufferPending:        s.runtime.BufferPendingCounts(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.authToken {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func generateCookie() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
