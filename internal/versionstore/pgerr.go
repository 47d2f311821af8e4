package versionstore

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// postgresUniqueViolation is the SQLSTATE for unique_violation, raised by
// both partial unique indexes on loader (idx_loader_one_active,
// idx_loader_one_draft) and the archive's (entity_code, version_number)
// index.
const postgresUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == postgresUniqueViolation
}
