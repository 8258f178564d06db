//go:build integration
// +build integration

package config_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/rescueplan/config"
	"github.com/liamcoop/rescueplan/models"

	_ "github.com/lib/pq"
)

// setupTestDB creates a PostgreSQL container and returns a migrated connection
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "rescueplan_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=rescueplan_test sslmode=disable", host, port.Port())

	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			if err = db.Ping(); err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "000001_initial_schema.up.sql"))
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}
	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return db, func() {
		db.Close()
		container.Terminate(ctx)
	}
}

// TestPostgresProvider_ImportAndLoad round-trips the YAML knowledge through
// the knowledge table.
func TestPostgresProvider_ImportAndLoad(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	fromYAML, err := config.NewYAMLProvider("../testdata/knowledge").Load(ctx)
	if err != nil {
		t.Fatalf("Failed to load YAML knowledge: %v", err)
	}

	provider := config.NewPostgresProvider(db)
	if err := provider.Import(ctx, fromYAML); err != nil {
		t.Fatalf("Import() failed: %v", err)
	}

	k, err := provider.Load(ctx)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(k.Rules) != len(fromYAML.Rules) || len(k.Tasks) != len(fromYAML.Tasks) ||
		len(k.Capabilities) != len(fromYAML.Capabilities) || len(k.HardRules) != len(fromYAML.HardRules) ||
		len(k.ScoringProfiles) != len(fromYAML.ScoringProfiles) {
		t.Errorf("round trip lost definitions: %+v", k)
	}

	var collapse models.Rule
	for _, r := range k.Rules {
		if r.ID == "R_EQ_COLLAPSE_RESCUE" {
			collapse = r
		}
	}
	if len(collapse.Conditions) != 2 || collapse.Conditions[0].Value != true {
		t.Errorf("conditions not decoded: %+v", collapse.Conditions)
	}
}

func TestPostgresProvider_InvalidDefinition(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	provider := config.NewPostgresProvider(db)

	// A rule referencing a capability nobody defined fails the load.
	err := provider.Put(ctx, config.KindRule, "R_BAD", models.Rule{
		ID:           "R_BAD",
		Conditions:   nil,
		Capabilities: []models.CapabilityRequirement{{Code: "TELEPATHY"}},
		Active:       true,
	}, true)
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	_, err = provider.Load(ctx)
	var cfgErr *models.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}

	if err := provider.Delete(ctx, config.KindRule, "R_BAD"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := provider.Delete(ctx, config.KindRule, "R_BAD"); !errors.Is(err, config.ErrDefinitionNotFound) {
		t.Errorf("expected ErrDefinitionNotFound, got %v", err)
	}
}
