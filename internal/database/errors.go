package database

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

type ErrorClass int

const (
	ErrorClassPermanent ErrorClass = iota
	ErrorClassTransient
	ErrorClassDeadlock
	ErrorClassSerialization
	ErrorClassUndefinedColumn
	// ErrorClassConnection means the outcome is unknown: the statement may
	// have committed before the connection went away.
	ErrorClassConnection
)

// sqlState extracts the SQLSTATE from either driver's error type.
func sqlState(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, true
	}

	return "", false
}

func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassPermanent
	}

	if code, ok := sqlState(err); ok {
		switch code {
		case "40001":
			return ErrorClassSerialization
		case "40P01":
			return ErrorClassDeadlock
		case "55P03", "57014":
			return ErrorClassTransient
		case "08000", "08003", "08006":
			return ErrorClassConnection
		case "42703":
			return ErrorClassUndefinedColumn
		case "23505", "23503", "23502", "23514":
			return ErrorClassPermanent
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrorClassPermanent
	}

	return ErrorClassPermanent
}

// IsRetryable reports whether err proves the statement was rolled back, so
// running it again cannot apply it twice.
func IsRetryable(err error) bool {
	class := ClassifyError(err)
	return class == ErrorClassTransient ||
		class == ErrorClassDeadlock ||
		class == ErrorClassSerialization
}

// IsUndefinedColumn reports whether err came from a query that referenced a
// column the schema does not have.
func IsUndefinedColumn(err error) bool {
	return ClassifyError(err) == ErrorClassUndefinedColumn
}

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrProductNotFound = errors.New("product not found")
	ErrEmptyBatch      = errors.New("empty card batch")
)
