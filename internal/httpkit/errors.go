package httpkit

import (
	"github.com/jackc/pgx/v5/pgconn"

	"avs/internal/pkg/errors"
)

// PostgreSQL error codes the repositories react to.
const (
	pgUndefinedTable  = "42P01"
	pgUniqueViolation = "23505"
)

// IsUndefinedTable reports whether err says a table does not exist.
func IsUndefinedTable(err error) bool {
	return pgCode(err) == pgUndefinedTable
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	return pgCode(err) == pgUniqueViolation
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
