package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// IsRetryableError classifies infrastructure errors for the consumer's
// retry / DLQ decision. Returns (retryable, errorType).
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || strings.Contains(err.Error(), "json:") {
		return false, "json_decode_error"
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return false, "not_found"
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return false, "duplicate_key"
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true, "db_conflict"
		case "23514": // check_violation
			return false, "constraint_violation"
		}
		return true, "db_error"
	}
	if pgconn.Timeout(err) {
		return true, "db_timeout"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	if strings.Contains(err.Error(), "connection") {
		return true, "connection_error"
	}

	// unknown errors are not retried
	return false, "unknown_error"
}

func ShouldRetry(retryCount, maxRetries int64, retryable bool) bool {
	return retryable && retryCount <= maxRetries
}
