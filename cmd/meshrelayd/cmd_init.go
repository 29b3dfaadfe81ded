package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/shurlinet/meshrelay/internal/config"
)

func runInit(args []string) {
	if err := doInit(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doInit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "config directory (default: ~/.config/meshrelayd)")
	nodeIDFlag := fs.String("node-id", "", "unique node identifier (required)")
	controllerFlag := fs.String("controller-url", "", "controller base URL, e.g. https://controller.example.com (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *nodeIDFlag == "" {
		return fmt.Errorf("--node-id is required")
	}
	if *controllerFlag == "" {
		return fmt.Errorf("--controller-url is required")
	}

	configDir := *dirFlag
	if configDir == "" {
		d, err := config.DefaultConfigDir()
		if err != nil {
			return fmt.Errorf("cannot determine config directory: %w", err)
		}
		configDir = d
	}

	configFile := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config already exists: %s\nDelete it first if you want to reinitialize", configFile)
	}

	fmt.Fprintf(stdout, "Creating config directory: %s\n", configDir)
	if err := config.WriteDefault(configFile, *nodeIDFlag, *controllerFlag); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Config written to: %s\n", configFile)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Mesh networking is disabled by default. Edit the config's mesh section")
	fmt.Fprintln(stdout, "(enabled, listen_port, peers) to join this node to a mesh.")
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Next steps:")
	fmt.Fprintf(stdout, "  1. Review/edit:  %s\n", configFile)
	fmt.Fprintln(stdout, "  2. Validate:     meshrelayd config validate --config "+configFile)
	fmt.Fprintln(stdout, "  3. Run:          meshrelayd daemon --config "+configFile)
	return nil
}
