// Package sourceregistry reads source_database rows, the connection
// descriptors sourcepool.Pool's Lookup callback resolves source_code
// against. Modeled on versionstore.Store's thin query-mapping style.
package sourceregistry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/loadctl/internal/domain"
)

// Registry resolves source_code to its current connection descriptor.
type Registry struct {
	pool *pgxpool.Pool
}

// New constructs a Registry.
func New(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// Find returns the source_database row for sourceCode.
func (r *Registry) Find(ctx context.Context, sourceCode string) (domain.SourceDatabase, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT source_code, host, port, db_name, dialect, username, encrypted_password, read_only_verified
		FROM source_database
		WHERE source_code = $1
	`, sourceCode)

	var sd domain.SourceDatabase
	var dialect string
	err := row.Scan(&sd.SourceCode, &sd.Host, &sd.Port, &sd.DBName, &dialect, &sd.Username, &sd.EncryptedPassword, &sd.ReadOnlyVerified)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SourceDatabase{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SourceDatabase{}, fmt.Errorf("sourceregistry: find: %w", err)
	}
	sd.Dialect = domain.SourceDialect(dialect)
	return sd, nil
}

// Lookup adapts Find to sourcepool.Config.Lookup's function signature.
func (r *Registry) Lookup(ctx context.Context, sourceCode string) (domain.SourceDatabase, error) {
	return r.Find(ctx, sourceCode)
}

// Upsert inserts or updates a source_database row, used by loadctl-ctl's
// source management subcommands.
func (r *Registry) Upsert(ctx context.Context, sd domain.SourceDatabase) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO source_database (source_code, host, port, db_name, dialect, username, encrypted_password, read_only_verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_code) DO UPDATE SET
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			db_name = EXCLUDED.db_name,
			dialect = EXCLUDED.dialect,
			username = EXCLUDED.username,
			encrypted_password = EXCLUDED.encrypted_password,
			read_only_verified = EXCLUDED.read_only_verified
	`, sd.SourceCode, sd.Host, sd.Port, sd.DBName, string(sd.Dialect), sd.Username, sd.EncryptedPassword, sd.ReadOnlyVerified)
	if err != nil {
		return fmt.Errorf("sourceregistry: upsert: %w", err)
	}
	return nil
}

// List returns every registered source_database row.
func (r *Registry) List(ctx context.Context) ([]domain.SourceDatabase, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT source_code, host, port, db_name, dialect, username, encrypted_password, read_only_verified
		FROM source_database
		ORDER BY source_code
	`)
	if err != nil {
		return nil, fmt.Errorf("sourceregistry: list: %w", err)
	}
	defer rows.Close()

	var out []domain.SourceDatabase
	for rows.Next() {
		var sd domain.SourceDatabase
		var dialect string
		if err := rows.Scan(&sd.SourceCode, &sd.Host, &sd.Port, &sd.DBName, &dialect, &sd.Username, &sd.EncryptedPassword, &sd.ReadOnlyVerified); err != nil {
			return nil, fmt.Errorf("sourceregistry: scan: %w", err)
		}
		sd.Dialect = domain.SourceDialect(dialect)
		out = append(out, sd)
	}
	return out, rows.Err()
}
