package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func TestIsTransientDBError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization failure code", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock code", &pgconn.PgError{Code: "40P01"}, true},
		{"too many connections code", &pgconn.PgError{Code: "53300"}, true},
		{"connection exception class", &pgconn.PgError{Code: "08006"}, true},
		{"undefined column", &pgconn.PgError{Code: "42703"}, false},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"invalid transaction", gorm.ErrInvalidTransaction, true},
		{"connection refused string", errors.New("dial tcp: connection refused"), true},
		{"broken pipe string", errors.New("write: broken pipe"), true},
		{"plain error", errors.New("something else entirely"), false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsTransientDBError(c.err); got != c.want {
				t.Fatalf("IsTransientDBError(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	op := func() error {
		attempts++
		if attempts < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	}

	err := WithRetry(context.Background(), op, RetryOptions{BaseDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetryDoesNotRetryPermanentErrors(t *testing.T) {
	permanent := &pgconn.PgError{Code: "42703", Message: `column "email" does not exist`}
	attempts := 0
	op := func() error {
		attempts++
		return permanent
	}

	err := WithRetry(context.Background(), op, RetryOptions{BaseDelay: time.Millisecond})
	if !errors.Is(err, permanent) {
		t.Fatalf("error = %v, want the permanent error unchanged", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestWithRetryExhaustsRetries(t *testing.T) {
	transient := &pgconn.PgError{Code: "40P01"}
	attempts := 0
	op := func() error {
		attempts++
		return transient
	}

	err := WithRetry(context.Background(), op, RetryOptions{MaxRetries: 2, BaseDelay: time.Millisecond})
	if !errors.Is(err, transient) {
		t.Fatalf("error = %v, want the transient error after exhaustion", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (initial + 2 retries)", attempts)
	}
}

func TestWithRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	op := func() error {
		return &pgconn.PgError{Code: "40001"}
	}

	err := WithRetry(ctx, op, RetryOptions{BaseDelay: time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestIsUndefinedColumn(t *testing.T) {
	emailErr := &pgconn.PgError{Code: "42703", Message: `column "email" of relation "rate_limit_events" does not exist`}

	if !IsUndefinedColumn(emailErr, "email") {
		t.Fatal("should match the named column")
	}
	if !IsUndefinedColumn(emailErr, "") {
		t.Fatal("empty column matches any 42703")
	}
	if IsUndefinedColumn(emailErr, "ip_address") {
		t.Fatal("should not match a different column")
	}
	if IsUndefinedColumn(&pgconn.PgError{Code: "23505"}, "email") {
		t.Fatal("other SQLSTATEs are not schema drift")
	}
	if IsUndefinedColumn(nil, "email") {
		t.Fatal("nil error is not schema drift")
	}

	// Wrapped driver message without a PgError still matches.
	wrapped := errors.New(`ERROR: column "email" does not exist (SQLSTATE 42703)`)
	if !IsUndefinedColumn(wrapped, "email") {
		t.Fatal("string form should match")
	}
}
