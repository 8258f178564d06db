package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/liamcoop/rescueplan/config"
	"github.com/liamcoop/rescueplan/internal/logger"
	"github.com/liamcoop/rescueplan/inventory"
)

func main() {
	var databaseURL string
	var migrationsPath string
	var command string
	var knowledgePath string
	var inventoryPath string

	flag.StringVar(&databaseURL, "database", "", "Database URL (required)")
	flag.StringVar(&migrationsPath, "path", "migrations", "Path to migrations directory")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, version, force, seed")
	flag.StringVar(&knowledgePath, "knowledge", "", "Knowledge YAML file or directory to import (seed)")
	flag.StringVar(&inventoryPath, "inventory", "", "Inventory YAML file to import (seed)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		logger.Fatal("Database URL is required. Use -database flag or DATABASE_URL environment variable")
	}

	if command == "seed" {
		if err := seed(context.Background(), databaseURL, knowledgePath, inventoryPath); err != nil {
			logger.Fatal("Failed to seed database", "error", err)
		}
		return
	}

	logger.Info("Connecting to database...", "migrations", migrationsPath)
	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsPath), databaseURL)
	if err != nil {
		logger.Fatal("Failed to create migration instance", "error", err)
	}
	defer m.Close()

	switch command {
	case "up":
		logger.Info("Running migrations up...")
		err = m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("No migrations to run (database is up to date)")
			return
		}
		if err != nil {
			logger.Fatal("Failed to run migrations", "error", err)
		}
		logger.Info("Migrations completed")

	case "down":
		logger.Info("Rolling back migrations...")
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal("Failed to rollback migrations", "error", err)
		}
		logger.Info("Rollback completed")

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			logger.Fatal("Failed to get version", "error", err)
		}
		logger.Info("Current version", "version", version, "dirty", dirty)

	case "force":
		if flag.NArg() < 1 {
			logger.Fatal("Force command requires a version number: -command force <version>")
		}
		version, err := strconv.Atoi(flag.Arg(0))
		if err != nil {
			logger.Fatal("Invalid version number", "error", err)
		}
		if err := m.Force(version); err != nil {
			logger.Fatal("Failed to force version", "error", err)
		}
		logger.Info("Forced version", "version", version)

	default:
		logger.Fatal("Unknown command (use: up, down, version, force, seed)", "command", command)
	}
}

// seed validates YAML knowledge and imports it, then upserts the inventory.
// Either path may be empty.
func seed(ctx context.Context, databaseURL, knowledgePath, inventoryPath string) error {
	if knowledgePath == "" && inventoryPath == "" {
		return errors.New("seed requires -knowledge or -inventory")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if knowledgePath != "" {
		k, err := config.NewYAMLProvider(knowledgePath).Load(ctx)
		if err != nil {
			return err
		}
		if err := config.Validate(k); err != nil {
			return fmt.Errorf("refusing to import invalid knowledge: %w", err)
		}
		if err := config.NewPostgresProvider(db).Import(ctx, k); err != nil {
			return err
		}
		logger.Info("Imported knowledge", "rules", len(k.Rules), "tasks", len(k.Tasks), "capabilities", len(k.Capabilities))
	}

	if inventoryPath != "" {
		resources, err := config.LoadInventory(inventoryPath)
		if err != nil {
			return err
		}
		repo := inventory.NewPostgresRepository(db)
		for _, r := range resources {
			if err := repo.Upsert(ctx, r); err != nil {
				return fmt.Errorf("failed to import resource %s: %w", r.ID, err)
			}
		}
		logger.Info("Imported inventory", "resources", len(resources))
	}
	return nil
}
