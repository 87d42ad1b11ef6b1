package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorClassPermanent},
		{"no rows", sql.ErrNoRows, ErrorClassPermanent},
		{"pq serialization", &pq.Error{Code: "40001"}, ErrorClassSerialization},
		{"pq deadlock", &pq.Error{Code: "40P01"}, ErrorClassDeadlock},
		{"pq lock not available", &pq.Error{Code: "55P03"}, ErrorClassTransient},
		{"pq undefined column", &pq.Error{Code: "42703"}, ErrorClassUndefinedColumn},
		{"pq unique violation", &pq.Error{Code: "23505"}, ErrorClassPermanent},
		{"pq connection failure", &pq.Error{Code: "08006"}, ErrorClassConnection},
		{"pgx connection does not exist", &pgconn.PgError{Code: "08003"}, ErrorClassConnection},
		{"pgx deadlock", &pgconn.PgError{Code: "40P01"}, ErrorClassDeadlock},
		{"pgx undefined column", &pgconn.PgError{Code: "42703"}, ErrorClassUndefinedColumn},
		{"wrapped pgx", fmt.Errorf("claim card: %w", &pgconn.PgError{Code: "40001"}), ErrorClassSerialization},
		{"plain", errors.New("boom"), ErrorClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsUndefinedColumn(t *testing.T) {
	if !IsUndefinedColumn(fmt.Errorf("select: %w", &pq.Error{Code: "42703"})) {
		t.Error("expected wrapped 42703 to be an undefined column")
	}
	if IsUndefinedColumn(&pq.Error{Code: "42P01"}) {
		t.Error("undefined table should not count as undefined column")
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("permanent")

	err := Retry(context.Background(), RetryOptions{MaxRetries: 3, Backoff: time.Millisecond}, func() error {
		calls++
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Errorf("Expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestRetryRecoversFromDeadlock(t *testing.T) {
	calls := 0

	err := Retry(context.Background(), RetryOptions{MaxRetries: 3, Backoff: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return &pq.Error{Code: "40P01"}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0

	err := Retry(context.Background(), RetryOptions{MaxRetries: 2, Backoff: time.Millisecond}, func() error {
		calls++
		return &pgconn.PgError{Code: "40001"}
	})

	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

// A conditional write that lost its connection may already have committed;
// running it again would report a lost race for a write that actually landed.
func TestRetryDoesNotRepeatAmbiguousWrites(t *testing.T) {
	for _, code := range []string{"08000", "08003", "08006"} {
		t.Run(code, func(t *testing.T) {
			calls := 0

			err := Retry(context.Background(), RetryOptions{MaxRetries: 3, Backoff: time.Millisecond}, func() error {
				calls++
				return fmt.Errorf("claim card 1: %w", &pq.Error{Code: pq.ErrorCode(code)})
			})

			if err == nil {
				t.Fatal("Expected the connection error to surface")
			}
			if calls != 1 {
				t.Errorf("Expected 1 call, got %d", calls)
			}
			if IsRetryable(err) {
				t.Errorf("Connection failure %s must not be retryable", code)
			}
		})
	}
}
