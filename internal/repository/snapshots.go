// Package repository provides PostgreSQL-backed persistence for flag
// snapshots: the last known good flag set per environment, written after
// each successful sync and read back when a client starts during an outage.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matt-riley/flagkit/internal/core"
)

const defaultEnvironment = "production"

// PostgresStore persists flag snapshots in the flag_snapshots table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a [PostgresStore] on an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// SaveFlags makes the stored snapshot for environment mirror flags. Rows are
// upserted in one transaction and a stored version is never lowered; flags
// absent from the set are removed.
func (s *PostgresStore) SaveFlags(ctx context.Context, environment string, flags []core.Flag) error {
	environment = normalizeEnvironment(environment)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	names := make([]string, 0, len(flags))
	for _, flag := range flags {
		definition, err := marshalDefinition(flag)
		if err != nil {
			return err
		}
		names = append(names, flag.Name)
		batch.Queue(`
			INSERT INTO flag_snapshots (environment, name, version, definition, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (environment, name) DO UPDATE
			SET version = EXCLUDED.version,
			    definition = EXCLUDED.definition,
			    updated_at = NOW()
			WHERE flag_snapshots.version <= EXCLUDED.version
		`, environment, flag.Name, flag.Version, definition)
	}
	batch.Queue(`DELETE FROM flag_snapshots WHERE environment = $1 AND NOT (name = ANY($2))`, environment, names)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save flag snapshot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot tx: %w", err)
	}
	return nil
}

// LoadFlags returns the stored snapshot for environment ordered by name.
// Rows that no longer decode into a valid definition are skipped.
func (s *PostgresStore) LoadFlags(ctx context.Context, environment string) ([]core.Flag, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT definition
		FROM flag_snapshots
		WHERE environment = $1
		ORDER BY name
	`, normalizeEnvironment(environment))
	if err != nil {
		return nil, fmt.Errorf("load flag snapshot: %w", err)
	}
	defer rows.Close()

	flags := make([]core.Flag, 0)
	for rows.Next() {
		var definition []byte
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("scan flag snapshot: %w", err)
		}
		flag, err := unmarshalDefinition(definition)
		if err != nil {
			continue
		}
		flags = append(flags, flag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load flag snapshot rows: %w", err)
	}
	return flags, nil
}

// CountFlags returns the number of stored flags for environment.
func (s *PostgresStore) CountFlags(ctx context.Context, environment string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM flag_snapshots WHERE environment = $1`,
		normalizeEnvironment(environment)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count flag snapshot: %w", err)
	}
	return n, nil
}

// -- helpers ---

func normalizeEnvironment(environment string) string {
	if trimmed := strings.TrimSpace(environment); trimmed != "" {
		return trimmed
	}
	return defaultEnvironment
}

func marshalDefinition(flag core.Flag) ([]byte, error) {
	if err := flag.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot flag: %w", err)
	}
	definition, err := json.Marshal(flag)
	if err != nil {
		return nil, fmt.Errorf("marshal flag %q: %w", flag.Name, err)
	}
	return definition, nil
}

func unmarshalDefinition(definition []byte) (core.Flag, error) {
	var flag core.Flag
	if err := json.Unmarshal(definition, &flag); err != nil {
		return core.Flag{}, fmt.Errorf("unmarshal flag snapshot: %w", err)
	}
	if err := flag.Validate(); err != nil {
		return core.Flag{}, err
	}
	return flag, nil
}
