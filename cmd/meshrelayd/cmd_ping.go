package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shurlinet/meshrelay/internal/config"
	"github.com/shurlinet/meshrelay/pkg/mesh"
)

type pingResult struct {
	Seq   int     `json:"seq"`
	RttMs float64 `json:"rtt_ms,omitempty"`
	Error string  `json:"error,omitempty"`
}

func runPing(args []string) {
	args = reorderArgs(args, map[string]bool{"json": true})

	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	configFlag := fs.String("config", "", "path to config file")
	count := fs.Int("c", 4, "number of pings (0 = continuous until Ctrl+C)")
	fs.IntVar(count, "n", 4, "alias for -c")
	intervalStr := fs.String("interval", "1s", "interval between pings")
	timeoutStr := fs.String("timeout", "2s", "time to wait for a PONG")
	jsonFlag := fs.Bool("json", false, "output each ping as a JSON line")
	fs.Parse(args)

	remaining := fs.Args()
	if len(remaining) < 1 {
		fmt.Println("Usage: meshrelayd ping [--config path] [-c N] [--interval 1s] [--timeout 2s] [--json] <node-id>")
		fmt.Println()
		fmt.Println("Pings a peer listed in the config's mesh.peers by its node_id,")
		fmt.Println("sending raw PING frames and waiting for PONG replies.")
		osExit(1)
		return
	}
	targetNodeID := remaining[0]

	interval, err := time.ParseDuration(*intervalStr)
	if err != nil {
		fatal("Invalid interval %q: %v", *intervalStr, err)
	}
	timeout, err := time.ParseDuration(*timeoutStr)
	if err != nil {
		fatal("Invalid timeout %q: %v", *timeoutStr, err)
	}

	cfgFile, err := config.FindConfigFile(*configFlag)
	if err != nil {
		fatal("Config error: %v", err)
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fatal("Config error: %v", err)
	}

	var targetAddr string
	for _, p := range cfg.Mesh.Peers {
		if p.NodeID == targetNodeID {
			targetAddr = fmt.Sprintf("%s:%d", p.Address, p.Port)
			break
		}
	}
	if targetAddr == "" {
		fatal("Unknown peer %q; not present in mesh.peers of %s", targetNodeID, cfgFile)
	}

	raddr, err := net.ResolveUDPAddr("udp", targetAddr)
	if err != nil {
		fatal("Cannot resolve %s: %v", targetAddr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		fatal("Cannot open UDP socket: %v", err)
	}
	defer conn.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	stop := make(chan struct{})
	go func() {
		<-sigCh
		close(stop)
	}()

	if !*jsonFlag {
		fmt.Printf("PING %s (%s)\n", targetNodeID, targetAddr)
	}

	selfID := mesh.NodeId(cfg.NodeID)
	var results []pingResult
pingLoop:
	for seq := 1; *count == 0 || seq <= *count; seq++ {
		select {
		case <-stop:
			break pingLoop
		default:
		}

		r := pingOnce(conn, selfID, seq, timeout)
		results = append(results, r)
		if *jsonFlag {
			line, _ := json.Marshal(r)
			fmt.Println(string(line))
		} else if r.Error != "" {
			fmt.Printf("seq=%d error=%s\n", r.Seq, r.Error)
		} else {
			fmt.Printf("seq=%d rtt=%.1fms\n", r.Seq, r.RttMs)
		}

		if *count == 0 || seq < *count {
			select {
			case <-time.After(interval):
			case <-stop:
				break pingLoop
			}
		}
	}

	sent := len(results)
	received := 0
	var total, min, max float64
	for _, r := range results {
		if r.Error == "" {
			received++
			total += r.RttMs
			if received == 1 || r.RttMs < min {
				min = r.RttMs
			}
			if r.RttMs > max {
				max = r.RttMs
			}
		}
	}
	lossPct := 100.0
	avg := 0.0
	if sent > 0 {
		lossPct = 100 * float64(sent-received) / float64(sent)
	}
	if received > 0 {
		avg = total / float64(received)
	}

	if !*jsonFlag {
		fmt.Printf("\n--- %s ping statistics ---\n", targetNodeID)
		fmt.Printf("%d sent, %d received, %.0f%% loss, rtt min/avg/max = %.1f/%.1f/%.1f ms\n",
			sent, received, lossPct, min, avg, max)
	}
}

func pingOnce(conn *net.UDPConn, selfID mesh.NodeId, seq int, timeout time.Duration) pingResult {
	start := time.Now()
	if _, err := conn.Write(mesh.EncodePingPong(mesh.FramePing, selfID)); err != nil {
		return pingResult{Seq: seq, Error: err.Error()}
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, mesh.MaxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		return pingResult{Seq: seq, Error: "timeout"}
	}
	rtt := time.Since(start)

	if n < 1 || buf[0] != mesh.FramePong {
		return pingResult{Seq: seq, Error: "unexpected reply frame"}
	}
	if _, err := mesh.DecodePingPong(buf[1:n]); err != nil {
		return pingResult{Seq: seq, Error: err.Error()}
	}
	return pingResult{Seq: seq, RttMs: float64(rtt.Microseconds()) / 1000.0}
}
