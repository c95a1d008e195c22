package shared

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type RetryOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	Context    string
}

const retryJitterMax = 100 * time.Millisecond

// WithRetry executes op, retrying transient database failures with
// exponential backoff. Non-transient errors and exhausted retries propagate
// to the caller unchanged.
func WithRetry(ctx context.Context, op func() error, opts RetryOptions) error {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}

	var err error
	for attempt := 1; attempt <= opts.MaxRetries+1; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !IsTransientDBError(err) || attempt > opts.MaxRetries {
			return err
		}

		delay := opts.BaseDelay*(1<<(attempt-1)) + time.Duration(rand.Int63n(int64(retryJitterMax)))
		log.WithFields(log.Fields{
			"context": opts.Context,
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   truncateError(err),
		}).Warn("Transient database error, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// Transient SQLSTATEs: serialization failure, deadlock, too many
// connections, admin shutdown, crash shutdown, plus the whole connection
// exception class (08).
var transientPgCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"53300": true,
	"57P01": true,
	"57P02": true,
}

func IsTransientDBError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrInvalidTransaction) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientPgCodes[pgErr.Code] {
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"connection terminated",
		"broken pipe",
		"too many connections",
		"deadlock detected",
		"serialization failure",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > 200 {
		return msg[:200] + "..."
	}
	return msg
}
