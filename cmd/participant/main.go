// Command participant runs the Participant role: it connects to the primary
// coordinator, executes the database half of the protocol against its own
// resource manager, and falls back to the fail-safe coordinator on timeout
// or refusal.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mekhrubonu/twopc-commit/internal/resourcemanager"
	"github.com/mekhrubonu/twopc-commit/internal/rolelog"
	"github.com/mekhrubonu/twopc-commit/pkg/participant"
)

func main() {
	coordinatorAddr := flag.String("coordinator-addr", "localhost:8005", "Primary coordinator address")
	failsafeAddr := flag.String("failsafe-addr", "localhost:8006", "Fail-safe coordinator address")
	timeout := flag.Duration("timeout", 30*time.Second, "Read timeout for both coordinators")
	dsn := flag.String("dsn", "", "Postgres DSN. Falls back to POSTGRES_DSN env var. Omit for a simulated in-memory resource manager.")
	healthAddr := flag.String("health-addr", ":9107", "Address for the /healthz endpoint")
	logDir := flag.String("log-dir", "", "Directory for the role log file (defaults to the working directory)")
	flag.Parse()

	logger, logFile, err := rolelog.New(*logDir, "participant")
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logFile.Close()

	effectiveDSN := *dsn
	if effectiveDSN == "" {
		effectiveDSN = os.Getenv("POSTGRES_DSN")
	}

	var db *sql.DB
	if effectiveDSN != "" {
		db, err = sql.Open("pgx", effectiveDSN)
		if err != nil {
			logger.Fatalf("failed to open database: %v", err)
		}
		if err := db.Ping(); err != nil {
			logger.Fatalf("failed to ping database: %v", err)
		}
		defer db.Close()
	} else {
		logger.Printf("no DSN configured; running with a simulated in-memory resource manager")
	}

	rm := resourcemanager.New(db)

	logger.Printf("attempting to connect to primary coordinator at %s", *coordinatorAddr)

	p := participant.New(participant.Config{
		CoordinatorAddr: *coordinatorAddr,
		FailsafeAddr:    *failsafeAddr,
		Timeout:         *timeout,
		Logger:          logger,
	}, rm)

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Println("shutting down participant...")
		cancel()
	}()

	go func() {
		if err := p.HealthServer().Start(ctx, *healthAddr); err != nil {
			logger.Printf("health server stopped: %v", err)
		}
	}()

	if err := p.Run(ctx); err != nil {
		logger.Fatalf("participant exited with error: %v", err)
	}
}
