package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	storerrors "github.com/lexlapax/llmspell-storage/internal/errors"
)

// pg error codes per https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
	pgExclusionViolation  = "23P01"
	pgSerializationFail   = "40001"
	pgDeadlockDetected    = "40P01"
	pgConnectionException = "08000"
)

// isMissingPartitionErr reports whether err is PostgreSQL rejecting a row
// because no partition covers it (spec §4.13) — surfaced as the same check
// violation code as an ordinary CHECK failure, so it is detected by message
// content rather than code alone.
func isMissingPartitionErr(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	msg := strings.ToLower(pgErr.Message)
	return pgErr.Code == pgCheckViolation &&
		(strings.Contains(msg, "no partition") || strings.Contains(msg, "partition key"))
}

// classifyWriteErr maps a raw pgx/driver error into the normalized
// taxonomy of spec §7. nil passes through unchanged.
func classifyWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return storerrors.ConstraintViolated(op, "unique", err)
		case pgForeignKeyViolation:
			return storerrors.ConstraintViolated(op, "foreign_key", err)
		case pgCheckViolation:
			return storerrors.ConstraintViolated(op, "check", err)
		case pgExclusionViolation:
			return storerrors.ConstraintViolated(op, "exclusion", err)
		case pgSerializationFail, pgDeadlockDetected:
			return storerrors.Transient(op, err)
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return storerrors.Transient(op, err)
		}
	}

	return storerrors.Transient(op, err)
}
