// Command failsafe runs the Fail-Safe Coordinator role: it records the
// commit decision the primary coordinator forwards it, and later delivers
// that decision to any participant that falls over to it.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mekhrubonu/twopc-commit/internal/rolelog"
	"github.com/mekhrubonu/twopc-commit/pkg/failsafe"
)

func main() {
	addr := flag.String("addr", ":8006", "Address to bind the fail-safe coordinator")
	participants := flag.Int("participants", 2, "Number of participants expected before the fallback broadcast proceeds")
	decisionFile := flag.String("decision-file", "", "Path to fsync the commit decision to (optional, survives a restart)")
	healthAddr := flag.String("health-addr", ":9106", "Address for the /healthz endpoint")
	logDir := flag.String("log-dir", "", "Directory for the role log file (defaults to the working directory)")
	flag.Parse()

	if *participants <= 0 {
		log.Fatal("participants must be positive. Use --participants")
	}

	logger, logFile, err := rolelog.New(*logDir, "failsafe")
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logFile.Close()

	logger.Printf("starting fail-safe coordinator on %s", *addr)

	fs := failsafe.New(failsafe.Config{
		ListenAddr:     *addr,
		MaxConnections: *participants,
		DecisionFile:   *decisionFile,
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Println("shutting down fail-safe coordinator...")
		cancel()
	}()

	go func() {
		if err := fs.HealthServer().Start(ctx, *healthAddr); err != nil {
			logger.Printf("health server stopped: %v", err)
		}
	}()

	if err := fs.Run(ctx); err != nil {
		logger.Fatalf("fail-safe coordinator exited with error: %v", err)
	}
}
