package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shurlinet/meshrelay/internal/config"
	"github.com/shurlinet/meshrelay/internal/controller"
	"github.com/shurlinet/meshrelay/internal/metricssource"
	"github.com/shurlinet/meshrelay/internal/statusapi"
	"github.com/shurlinet/meshrelay/internal/watchdog"
	"github.com/shurlinet/meshrelay/pkg/mesh"
)

func runDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configFlag := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfgFile, err := config.FindConfigFile(*configFlag)
	if err != nil {
		fatal("Config error: %v", err)
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fatal("Config error: %v", err)
	}

	slog.Info("meshrelayd starting", "node_id", cfg.NodeID, "config", cfgFile, "mesh_enabled", cfg.Mesh.Enabled)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fatal("Cannot create data directory %s: %v", cfg.DataDir, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := mesh.NewMetrics()
	nodeID := mesh.NodeId(cfg.NodeID)

	ctrlClient := controller.New(cfg.Controller.PrimaryURL, cfg.Controller.AuthToken, cfg.Controller.Timeout())

	var agent *mesh.Agent
	var peering *mesh.Peering
	var router *mesh.Router
	var buffer *mesh.LocalBuffer

	bufferPersistPath := cfg.Mesh.BufferPersistPath
	if bufferPersistPath == "" {
		bufferPersistPath = filepath.Join(cfg.DataDir, "buffer.json")
	}
	buffer = mesh.NewLocalBuffer(cfg.Mesh.BufferMaxItems, bufferPersistPath, cfg.Mesh.BufferFlushBatchSize, metrics)

	if cfg.Mesh.Enabled {
		peering = mesh.NewPeering(nodeID, cfg.Mesh.ListenPort, cfg.Mesh.HeartbeatInterval(), cfg.Mesh.PeerTimeout(), metrics)
		for _, p := range cfg.Mesh.Peers {
			peering.AddStaticPeer(mesh.NodeId(p.NodeID), p.Address, p.Port)
		}

		router = mesh.NewRouter(nodeID, peering, ctrlClient, cfg.Mesh.RouteCacheTTL(), cfg.Mesh.MaxHops, metrics)
		peering.OnRoutingMessage(router.OnInboundFrame)
	}

	agent = mesh.NewAgent(mesh.AgentConfig{
		NodeID:            nodeID,
		Peering:           peering,
		Router:            router,
		Buffer:            buffer,
		Controller:        ctrlClient,
		MetricsSource:     metricssource.New(),
		Metrics:           metrics,
		HeartbeatInterval: cfg.Mesh.HeartbeatInterval(),
		SweepInterval:     cfg.Mesh.RouteCacheTTL(),
		MaxHops:           cfg.Mesh.MaxHops,
	})

	if !cfg.Mesh.Enabled {
		slog.Info("meshrelayd: mesh disabled, running direct-controller heartbeat loop only")
	}
	if err := agent.Start(ctx); err != nil {
		fatal("Failed to start mesh agent: %v", err)
	}
	defer agent.Stop()

	if err := watchdog.Ready(); err != nil {
		slog.Warn("meshrelayd: sd_notify ready failed", "error", err)
	}
	defer watchdog.Stopping()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		watchdog.Run(gctx, watchdog.Config{Interval: 30 * time.Second}, []watchdog.HealthCheck{
			{Name: "buffer_not_full", Check: func() error {
				total := buffer.PendingCounts()["total"]
				if total >= cfg.Mesh.BufferMaxItems && cfg.Mesh.BufferMaxItems > 0 {
					return fmt.Errorf("local buffer at capacity (%d items)", total)
				}
				return nil
			}},
		})
		return nil
	})

	if cfg.Metrics.Enabled {
		metricsServer := &http.Server{
			Addr:    cfg.Metrics.ListenAddress,
			Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		}
		group.Go(func() error {
			slog.Info("meshrelayd: metrics listening", "addr", cfg.Metrics.ListenAddress)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	if cfg.Mesh.Enabled {
		statusServer := statusapi.NewServer(&agentStatus{router: router, peering: peering, buffer: buffer}, filepath.Join(cfg.DataDir, "meshrelayd.sock"))
		if err := statusServer.Start(); err != nil {
			slog.Warn("meshrelayd: status api failed to start", "error", err)
		} else {
			group.Go(func() error {
				<-gctx.Done()
				statusServer.Stop()
				return nil
			})
		}
	}

	<-ctx.Done()
	slog.Info("meshrelayd: shutdown signal received")

	if err := group.Wait(); err != nil {
		slog.Error("meshrelayd: shutdown error", "error", err)
	}
	slog.Info("meshrelayd: stopped")
}

// agentStatus adapts the running mesh components to statusapi.RuntimeInfo.
type agentStatus struct {
	router  *mesh.Router
	peering *mesh.Peering
	buffer  *mesh.LocalBuffer
}

func (a *agentStatus) RoutingStatus() mesh.RoutingStatus {
	if a.router == nil {
		return mesh.RoutingStatus{}
	}
	return a.router.Status()
}

func (a *agentStatus) PeerStatusSummary() map[mesh.PeerStatus]int {
	if a.peering == nil {
		return map[mesh.PeerStatus]int{}
	}
	return a.peering.StatusSummary()
}

func (a *agentStatus) BufferPendingCounts() map[string]int {
	if a.buffer == nil {
		return map[string]int{}
	}
	return a.buffer.PendingCounts()
}
