// Orchestratord is the task orchestration daemon.
//
// It serves the HTTP API for inline and queued runs and, when a NATS broker
// is configured (or embedded), consumes the JetStream work queue with a pool
// of workers.
//
// Configuration is loaded from ~/.config/kali-orchestrator/config.yaml and
// ORCH_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults (in-memory queue, chromem memory, demo plugin)
//	orchestratord
//
//	# Embedded NATS with persistent JetStream storage
//	ORCH_NATS_EMBEDDED=true ORCH_NATS_STORE_DIR=/var/lib/orchestrator orchestratord
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/kali-orchestrator/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  orchestratord [-config path]   Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  orchestratord version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("orchestratord: %v", err)
	}
}

func printVersion() {
	fmt.Printf("orchestratord\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}
