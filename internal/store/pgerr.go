package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// pgUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), used to translate duplicate-key INSERT failures into
// domain.ErrAlreadyExists.
func pgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
