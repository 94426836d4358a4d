// Command coordinator runs the Primary Coordinator role: it accepts a fixed
// number of participant connections, drives the PREPARE/VOTE/GLOBAL_* round,
// and reports the outcome to the fail-safe coordinator.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mekhrubonu/twopc-commit/internal/rolelog"
	"github.com/mekhrubonu/twopc-commit/pkg/coordinator"
	"github.com/mekhrubonu/twopc-commit/pkg/protocol"
)

func main() {
	addr := flag.String("addr", ":8005", "Address to bind the coordinator's participant listener")
	failsafeAddr := flag.String("failsafe-addr", "localhost:8006", "Fail-safe coordinator address")
	localBind := flag.String("local-bind", "127.0.0.1:9000", "Local address to dial the fail-safe coordinator from")
	participants := flag.Int("participants", 2, "Number of participants to wait for before starting the round")
	employeeName := flag.String("employee-name", "", "Employee name for the transaction's INSERT")
	salary := flag.String("salary", "", "Employee salary for the transaction's INSERT")
	stepDelay := flag.Duration("step-delay", 3*time.Second, "Delay between PREPARE/statement/vote steps (0 disables)")
	healthAddr := flag.String("health-addr", ":9105", "Address for the /healthz endpoint")
	logDir := flag.String("log-dir", "", "Directory for the role log file (defaults to the working directory)")
	flag.Parse()

	if *participants <= 0 {
		log.Fatal("participants must be positive. Use --participants")
	}
	if *employeeName == "" || *salary == "" {
		log.Fatal("employee-name and salary are required. Use --employee-name and --salary")
	}

	logger, logFile, err := rolelog.New(*logDir, "coordinator")
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logFile.Close()

	logger.Printf("starting coordinator on %s, waiting for %d participants", *addr, *participants)

	co := coordinator.New(coordinator.Config{
		ListenAddr:     *addr,
		FailsafeAddr:   *failsafeAddr,
		LocalBindAddr:  *localBind,
		MaxConnections: *participants,
		Statement: protocol.Statement{
			Table: "transaction_table",
			Values: map[string]any{
				"name":   *employeeName,
				"salary": *salary,
			},
		},
		StepDelay: *stepDelay,
		Logger:    logger,
	})

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Println("shutting down coordinator...")
		cancel()
	}()

	go func() {
		if err := co.HealthServer().Start(ctx, *healthAddr); err != nil {
			logger.Printf("health server stopped: %v", err)
		}
	}()

	if err := co.Run(ctx); err != nil {
		logger.Fatalf("coordinator exited with error: %v", err)
	}
}
