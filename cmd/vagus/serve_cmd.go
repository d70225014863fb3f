package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/config"
)

// runServeCmd implements `vagus serve`.
//
// Exit codes:
//
//	0 = clean shutdown
//	1 = server error
//	2 = bad flags or config
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var configPath string
	cmd.StringVar(&configPath, "config", "", "Path to the YAML config file (defaults plus VAGUS_* env when empty)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := setupLogging(stderr, cfg.Log.Level); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "%sVagus starting on %s...%s\n", ColorBold+ColorBlue, cfg.Server.Addr, ColorReset)
	ctx, stop := signalContext()
	defer stop()
	if err := startServer(ctx, cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
