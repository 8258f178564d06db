package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/liamcoop/rescueplan/models"
)

// PostgresRepository implements Repository backed by PostgreSQL. Reserve
// takes row locks on the requested ids inside one transaction.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a PostgreSQL-backed inventory.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const resourceColumns = `id, name, type, status, capacity, readiness, success_rate, speed_kmh,
	mobilization_minutes, lat, lon, capabilities, constraints, version, COALESCE(reserved_by, '')`

type scanner interface {
	Scan(dest ...any) error
}

func scanResource(row scanner) (models.Resource, error) {
	var (
		r            models.Resource
		status       string
		capabilities []byte
		constraints  []byte
	)
	err := row.Scan(&r.ID, &r.Name, &r.Type, &status, &r.Capacity, &r.Readiness, &r.SuccessRate,
		&r.SpeedKmh, &r.MobilizationMinutes, &r.Location.Lat, &r.Location.Lon,
		&capabilities, &constraints, &r.Version, &r.ReservedBy)
	if err != nil {
		return r, err
	}
	r.Status = models.ResourceStatus(status)
	if len(capabilities) > 0 {
		if err := json.Unmarshal(capabilities, &r.Capabilities); err != nil {
			return r, fmt.Errorf("failed to decode capabilities of %s: %w", r.ID, err)
		}
	}
	if len(constraints) > 0 {
		if err := json.Unmarshal(constraints, &r.Constraints); err != nil {
			return r, fmt.Errorf("failed to decode constraints of %s: %w", r.ID, err)
		}
	}
	return r, nil
}

// Snapshot reads every resource in one repeatable-read transaction.
func (s *PostgresRepository) Snapshot(ctx context.Context) ([]models.Resource, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+resourceColumns+` FROM resources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var out []models.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return out, tx.Commit()
}

// Get retrieves a resource by id.
func (s *PostgresRepository) Get(ctx context.Context, id string) (*models.Resource, error) {
	r, err := scanResource(s.db.QueryRowContext(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return &r, nil
}

// Reserve locks the rows in id order with SELECT ... FOR UPDATE, checks
// status and version, then marks them dispatched.
func (s *PostgresRepository) Reserve(ctx context.Context, res Reservation) error {
	ids := uniqueSorted(res.ResourceIDs)
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reservation: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, status, version
		FROM resources
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to lock resources: %w", err)
	}

	found := make(map[string]bool, len(ids))
	var conflicts []string
	for rows.Next() {
		var (
			id, status string
			version    int64
		)
		if err := rows.Scan(&id, &status, &version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan resource lock: %w", err)
		}
		found[id] = true
		if models.ResourceStatus(status) != models.ResourceAvailable {
			conflicts = append(conflicts, id)
			continue
		}
		if v, ok := res.Versions[id]; ok && v != version {
			conflicts = append(conflicts, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating resource locks: %w", err)
	}

	for _, id := range ids {
		if !found[id] {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	if len(conflicts) > 0 {
		return &models.ReservationConflictError{ResourceIDs: conflicts}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE resources
		SET status = $1, reserved_by = $2, version = version + 1, updated_at = NOW()
		WHERE id = ANY($3)
	`, string(models.ResourceDispatched), res.RunID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to reserve resources: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reservation: %w", err)
	}
	return nil
}

// Release frees the ids reserved by runID.
func (s *PostgresRepository) Release(ctx context.Context, runID string, ids []string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE resources
		SET status = $1, reserved_by = NULL, version = version + 1, updated_at = NOW()
		WHERE id = ANY($2) AND reserved_by = $3
	`, string(models.ResourceAvailable), pq.Array(uniqueSorted(ids)), runID)
	if err != nil {
		return fmt.Errorf("failed to release resources: %w", err)
	}
	return nil
}

// Upsert inserts a resource or replaces an existing one, bumping its
// version. The row is locked first so the reservation check and the write
// see the same reserved_by.
func (s *PostgresRepository) Upsert(ctx context.Context, r models.Resource) error {
	if r.ID == "" {
		return errors.New("resource id is required")
	}
	capabilities, err := json.Marshal(r.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to encode capabilities: %w", err)
	}
	constraints, err := json.Marshal(r.Constraints)
	if err != nil {
		return fmt.Errorf("failed to encode constraints: %w", err)
	}
	status := r.Status
	if status == "" {
		status = models.ResourceAvailable
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	var reservedBy sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT reserved_by FROM resources WHERE id = $1 FOR UPDATE`, r.ID).Scan(&reservedBy)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to lock resource: %w", err)
	}
	if err := checkStatus(r.ID, status, reservedBy.String); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO resources (id, name, type, status, capacity, readiness, success_rate, speed_kmh,
			mobilization_minutes, lat, lon, capabilities, constraints, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			status = EXCLUDED.status,
			capacity = EXCLUDED.capacity,
			readiness = EXCLUDED.readiness,
			success_rate = EXCLUDED.success_rate,
			speed_kmh = EXCLUDED.speed_kmh,
			mobilization_minutes = EXCLUDED.mobilization_minutes,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			capabilities = EXCLUDED.capabilities,
			constraints = EXCLUDED.constraints,
			version = resources.version + 1,
			updated_at = NOW()
	`, r.ID, r.Name, r.Type, string(status), r.Units(), r.Readiness, r.SuccessRate, r.SpeedKmh,
		r.MobilizationMinutes, r.Location.Lat, r.Location.Lon, capabilities, constraints)
	if err != nil {
		return fmt.Errorf("failed to upsert resource: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}
