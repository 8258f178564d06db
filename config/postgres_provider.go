package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/liamcoop/rescueplan/models"
)

// Kind names a knowledge table partition.
type Kind string

const (
	KindRule           Kind = "rule"
	KindTask           Kind = "task"
	KindCapability     Kind = "capability"
	KindHardRule       Kind = "hard_rule"
	KindSoftRule       Kind = "soft_rule"
	KindMatchProfile   Kind = "match_profile"
	KindScoringProfile Kind = "scoring_profile"
)

// ErrDefinitionNotFound is returned by Get and Delete for unknown ids.
var ErrDefinitionNotFound = errors.New("definition not found")

// PostgresProvider reads knowledge from the knowledge table, where each row
// holds one JSON definition.
type PostgresProvider struct {
	db *sql.DB
}

// NewPostgresProvider creates a PostgreSQL-backed provider.
func NewPostgresProvider(db *sql.DB) *PostgresProvider {
	return &PostgresProvider{db: db}
}

// Load reads every active definition in one repeatable-read transaction
// and validates the result.
func (p *PostgresProvider) Load(ctx context.Context) (*Knowledge, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin knowledge read: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT kind, id, definition
		FROM knowledge
		WHERE active = true
		ORDER BY kind, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge: %w", err)
	}
	defer rows.Close()

	k := &Knowledge{}
	for rows.Next() {
		var (
			kind, id   string
			definition []byte
		)
		if err := rows.Scan(&kind, &id, &definition); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge row: %w", err)
		}
		if err := k.decode(Kind(kind), definition); err != nil {
			return nil, models.NewConfigurationError(kind+" "+id, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating knowledge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to finish knowledge read: %w", err)
	}

	if err := Validate(k); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *Knowledge) decode(kind Kind, data []byte) error {
	var err error
	switch kind {
	case KindRule:
		var v models.Rule
		if err = json.Unmarshal(data, &v); err == nil {
			k.Rules = append(k.Rules, v)
		}
	case KindTask:
		var v models.Task
		if err = json.Unmarshal(data, &v); err == nil {
			k.Tasks = append(k.Tasks, v)
		}
	case KindCapability:
		var v models.Capability
		if err = json.Unmarshal(data, &v); err == nil {
			k.Capabilities = append(k.Capabilities, v)
		}
	case KindHardRule:
		var v models.HardRule
		if err = json.Unmarshal(data, &v); err == nil {
			k.HardRules = append(k.HardRules, v)
		}
	case KindSoftRule:
		var v models.SoftRule
		if err = json.Unmarshal(data, &v); err == nil {
			k.SoftRules = append(k.SoftRules, v)
		}
	case KindMatchProfile:
		var v models.WeightProfile
		if err = json.Unmarshal(data, &v); err == nil {
			k.MatchProfiles = append(k.MatchProfiles, v)
		}
	case KindScoringProfile:
		var v models.WeightProfile
		if err = json.Unmarshal(data, &v); err == nil {
			k.ScoringProfiles = append(k.ScoringProfiles, v)
		}
	default:
		return fmt.Errorf("unknown knowledge kind %q", kind)
	}
	if err != nil {
		return fmt.Errorf("invalid definition: %w", err)
	}
	return nil
}

// Put inserts or replaces a definition.
func (p *PostgresProvider) Put(ctx context.Context, kind Kind, id string, definition any, active bool) error {
	data, err := json.Marshal(definition)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", kind, id, err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO knowledge (kind, id, definition, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (kind, id) DO UPDATE SET
			definition = EXCLUDED.definition,
			active = EXCLUDED.active,
			updated_at = NOW()
	`, string(kind), id, data, active)
	if err != nil {
		return fmt.Errorf("failed to store %s %s: %w", kind, id, err)
	}
	return nil
}

// Import stores every definition of k.
func (p *PostgresProvider) Import(ctx context.Context, k *Knowledge) error {
	for _, r := range k.Rules {
		if err := p.Put(ctx, KindRule, r.ID, r, r.Active); err != nil {
			return err
		}
	}
	for _, t := range k.Tasks {
		if err := p.Put(ctx, KindTask, t.ID, t, true); err != nil {
			return err
		}
	}
	for _, c := range k.Capabilities {
		if err := p.Put(ctx, KindCapability, c.Code, c, true); err != nil {
			return err
		}
	}
	for _, r := range k.HardRules {
		if err := p.Put(ctx, KindHardRule, r.ID, r, r.Active); err != nil {
			return err
		}
	}
	for _, r := range k.SoftRules {
		if err := p.Put(ctx, KindSoftRule, r.ID, r, r.Active); err != nil {
			return err
		}
	}
	for _, prof := range k.MatchProfiles {
		if err := p.Put(ctx, KindMatchProfile, prof.Name, prof, true); err != nil {
			return err
		}
	}
	for _, prof := range k.ScoringProfiles {
		if err := p.Put(ctx, KindScoringProfile, prof.Name, prof, true); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a definition.
func (p *PostgresProvider) Delete(ctx context.Context, kind Kind, id string) error {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM knowledge
		WHERE kind = $1 AND id = $2
	`, string(kind), id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s %s", ErrDefinitionNotFound, kind, id)
	}
	return nil
}
