package backup

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"lendbackup/internal/storage"
)

// RetryPolicy retries transient storage failures with exponential backoff.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts after the first call.
	MaxRetries int
	// BaseDelay is the initial delay between retries; it doubles on each attempt.
	BaseDelay time.Duration
}

// DefaultRetryPolicy retries 3 times with a 500ms base delay (500ms, 1s, 2s).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 500 * time.Millisecond}
}

// Do runs fn until it succeeds, returns a non-retryable error, the retries
// are exhausted or ctx is done. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, logger zerolog.Logger, op string, fn func(ctx context.Context) error) error {
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := p.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || !isRetryableError(lastErr) {
			return lastErr
		}

		if attempt < maxRetries {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			logger.Warn().Err(lastErr).
				Str("op", op).
				Int("attempt", attempt+1).
				Int("of", maxRetries+1).
				Dur("retry_in", delay).
				Msg("transient failure")

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return lastErr
			case <-timer.C:
			}
		}
	}
	return lastErr
}

// isRetryableStatus returns true for HTTP status codes that indicate a transient server error.
func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusInternalServerError, // 500, S3 InternalError
		http.StatusBadGateway,         // 502
		http.StatusServiceUnavailable, // 503
		http.StatusGatewayTimeout,     // 504
		http.StatusTooManyRequests:    // 429
		return true
	}
	return false
}

// retryableCodes are object-store API error codes worth another attempt.
var retryableCodes = map[string]bool{
	"SlowDown":            true,
	"RequestTimeout":      true,
	"InternalError":       true,
	"ServiceUnavailable":  true,
	"Throttling":          true,
	"ThrottlingException": true,
}

// isRetryableError returns true for errors that indicate a transient failure.
// Typed causes are checked first; message patterns are matched only against
// the innermost error so that keys quoted by wrapping layers cannot match.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || storage.IsNotExist(err) {
		return false
	}

	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr smithy.APIError
	isAPIErr := errors.As(err, &apiErr)
	if isAPIErr && retryableCodes[apiErr.ErrorCode()] {
		return true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return isRetryableStatus(statusErr.HTTPStatusCode())
	}
	if isAPIErr {
		return false
	}

	s := strings.ToLower(rootCause(err).Error())
	if s == "eof" || strings.HasSuffix(s, ": eof") {
		return true
	}
	retryable := []string{
		"unexpected eof",
		"connection reset",
		"connection refused",
		"broken pipe",
		"timeout",
		"deadline exceeded",
		"tls handshake",
		"temporary failure",
		"server closed",
		"transport connection broken",
	}
	for _, pattern := range retryable {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// rootCause follows a single-error wrap chain to its end.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
