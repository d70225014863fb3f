package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/config"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/engine"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/server"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServeCmd(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "config":
		return runConfigCmd(args[2:], stdout, stderr)
	case "commit":
		return runCommitCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "vagus %s\n", engine.Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServeCmd(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sVagus safety engine %s%s\n", ColorBold+ColorBlue, engine.Version, ColorReset)
	fmt.Fprintf(w, "%sTone in, capabilities out.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  vagus <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "ENGINE")
	printCommand(w, "serve", "Run the HTTP server (default, --config)")
	printCommand(w, "health", "Check server health (--addr)")

	printSection(w, "TOOLS")
	printCommand(w, "config", "Validate or print a config file (validate|show --file)")
	printCommand(w, "commit", "Compute the scaled limits commitment of an intent (--intent, --factor)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// setupLogging installs a JSON slog handler at the configured level.
func setupLogging(w io.Writer, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
	return nil
}

// runServer builds the engine and serves until ctx is cancelled.
func runServer(ctx context.Context, cfg *config.Config) error {
	eng, err := engine.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(context.Background()); err != nil {
			log.Printf("[vagus] close: %v", err)
		}
	}()

	srv, err := server.New(eng)
	if err != nil {
		return err
	}
	if srv.Validator() == nil {
		log.Println("[vagus] auth: no jwt secret configured, every /v1 request will be rejected")
	}
	log.Printf("[vagus] engine: ready (store=%q, redis=%t, kafka=%t)",
		cfg.Database.Driver, cfg.Redis.Addr != "", len(cfg.Kafka.Brokers) > 0)
	return srv.ListenAndServe(ctx, cfg.Server.Addr)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
