package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/lidarhub/pointserve/internal/api"
	"github.com/lidarhub/pointserve/internal/config"
	"github.com/lidarhub/pointserve/internal/db"
	"github.com/lidarhub/pointserve/internal/engine"
	"github.com/lidarhub/pointserve/internal/session"
	"github.com/lidarhub/pointserve/internal/version"
)

var (
	listen        = flag.String("listen", ":8080", "HTTP listen address")
	dbFile        = flag.String("db", "pointserve.db", "Path to the SQLite database file (empty disables persistence)")
	migrationsDir = flag.String("migrations", "db/migrations", "Path to the database migrations directory")
	dataDir       = flag.String("data-dir", "", "Directory client-supplied paths are confined to (empty disables the check)")
	workers       = flag.Int("workers", session.DefaultWorkers, "Number of read worker goroutines")
	configPath    = flag.String("config", "", "Path to a JSON tuning config file")
	showVersion   = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("pointserve %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg, err := config.LoadTuningConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	// Flags given on the command line win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = listen
		case "db":
			cfg.DatabasePath = dbFile
		case "migrations":
			cfg.MigrationsDir = migrationsDir
		case "data-dir":
			cfg.DataDir = dataDir
		case "workers":
			cfg.Workers = workers
		}
	})

	if *cfg.Listen == "" {
		log.Fatal("HTTP listen address is required")
	}
	if *cfg.Workers < 1 {
		log.Fatalf("Invalid worker count %d", *cfg.Workers)
	}

	var database *db.DB
	if *cfg.DatabasePath != "" {
		database, err = db.NewDB(*cfg.DatabasePath)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer database.Close()

		if err := database.MigrateUp(*cfg.MigrationsDir); err != nil {
			log.Fatalf("Failed to run database migrations: %v", err)
		}
	} else {
		log.Println("Persistence disabled (no database path)")
	}

	dispatcher := session.NewDispatcher(*cfg.Workers)
	manager := session.NewManager(dispatcher, func() engine.Engine { return engine.NewMemory() })
	server := api.NewServer(manager, database, *cfg.DataDir)
	server.SetPreviewMaxCells(*cfg.PreviewMaxCells)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("pointserve %s starting with %d workers", version.Version, *cfg.Workers)
	if err := server.Start(ctx, *cfg.Listen); err != nil {
		log.Printf("HTTP server error: %v", err)
	}

	// Drain in-flight reads before the process exits.
	manager.DestroyAll()
	dispatcher.Stop()
	log.Println("pointserve stopped")
}
