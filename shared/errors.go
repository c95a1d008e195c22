package shared

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

type AppError struct {
	StatusCode int
	ErrorType  string
	Message    string
	Data       interface{}
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorType, e.Message)
}

func NewAppError(statusCode int, errorType, message string) *AppError {
	return &AppError{
		StatusCode: statusCode,
		ErrorType:  errorType,
		Message:    message,
	}
}

func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func NewValidationError(message string) *AppError {
	return NewAppError(http.StatusBadRequest, "VALIDATION_ERROR", message)
}

func NewNotFoundError(message string) *AppError {
	return NewAppError(http.StatusNotFound, "NOT_FOUND", message)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(http.StatusUnauthorized, "UNAUTHORIZED", message)
}

func NewRateLimitedError(message string) *AppError {
	return NewAppError(http.StatusTooManyRequests, "RATE_LIMITED", message)
}

// NewSchemaDriftError names the missing column and the remediation step so
// the admin caller gets something actionable instead of a raw pg error.
func NewSchemaDriftError(table, column string, cause error) *AppError {
	appErr := NewAppError(http.StatusInternalServerError, "SCHEMA_ERROR",
		fmt.Sprintf("column %q is missing from table %q - run the pending migrations (or restart the service so AutoMigrate can add it) before retrying", column, table))
	if cause != nil {
		appErr.Data = cause.Error()
	}
	return appErr
}

// IsUndefinedColumn reports whether err is postgres complaining about a
// column that does not exist (SQLSTATE 42703), optionally a specific one.
func IsUndefinedColumn(err error, column string) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != "42703" {
			return false
		}
		return column == "" || strings.Contains(pgErr.Message, column)
	}

	msg := err.Error()
	if !strings.Contains(msg, "does not exist") {
		return false
	}
	return column == "" || strings.Contains(msg, column)
}
