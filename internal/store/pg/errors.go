package pg

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"tesoro.app/internal/ledger"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrCheckViolation      = "23514"
	pgErrNumericOutOfRange   = "22003"
	pgErrInvalidText         = "22P02"
	pgErrSerialization       = "40001"
	pgErrDeadlock            = "40P01"
	pgErrLockNotAvailable    = "55P03"
)

// mapErr translates PostgreSQL error codes into ledger errors; anything else passes through.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	pgErr, ok := maybePgError(err)
	if !ok {
		return err
	}
	switch pgErr.Code {
	case pgErrSerialization, pgErrDeadlock, pgErrLockNotAvailable:
		return fmt.Errorf("%w: %s", ledger.ErrConflict, pgErr.Message)
	case pgErrUniqueViolation:
		return fmt.Errorf("%w: %s", ledger.ErrAlreadyExists, pgErr.ConstraintName)
	case pgErrForeignKeyViolation:
		return fmt.Errorf("%w: %s", ledger.ErrNotFound, pgErr.ConstraintName)
	case pgErrNumericOutOfRange, pgErrInvalidText:
		return fmt.Errorf("%w: %s", ledger.ErrInvalidInput, pgErr.Message)
	case pgErrCheckViolation:
		if pgErr.ConstraintName == "accounts_overdraft_check" {
			return ledger.ErrInsufficientFunds
		}
		return fmt.Errorf("%w: %s", ledger.ErrInvalidInput, pgErr.ConstraintName)
	}
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func ptrInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
