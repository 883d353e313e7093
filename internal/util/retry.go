package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxAttempts int           // Maximum number of attempts, including the first
	InitialWait time.Duration // Wait before the second attempt
	MaxWait     time.Duration // Upper bound for the wait between attempts
	Fixed       bool          // Keep InitialWait between every attempt instead of doubling

	// Retryable decides whether an error is worth another attempt.
	// nil retries every error.
	Retryable func(error) bool

	// OnFailure is called after every failed attempt, including the last one
	OnFailure func(attempt int, err error)
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Retryable:   IsRetryableError,
	}
}

// FixedRetryConfig retries every error up to attempts times with the same delay
func FixedRetryConfig(attempts int, delay time.Duration) *RetryConfig {
	return &RetryConfig{
		MaxAttempts: attempts,
		InitialWait: delay,
		MaxWait:     delay,
		Fixed:       true,
	}
}

// IsRetryableError checks if an error is worth retrying
// Returns true for transient network errors reported by database drivers
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pathError *os.PathError
	var syscallError syscall.Errno

	if errors.As(err, &pathError) {
		err = pathError.Err
	}

	if errors.As(err, &syscallError) {
		switch syscallError {
		case syscall.EAGAIN,
			syscall.ETIMEDOUT,
			syscall.ECONNRESET,
			syscall.ECONNABORTED,
			syscall.ECONNREFUSED,
			syscall.ENETDOWN,
			syscall.ENETUNREACH,
			syscall.EHOSTUNREACH:
			return true
		}
	}

	errMsg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"timed out",
		"connection reset",
		"connection refused",
		"connection aborted",
		"broken pipe",
		"no route to host",
		"network is unreachable",
		"bad connection",
		"database is locked",
		"server closed the connection",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}

	return false
}

// Sleep waits for d or until ctx is done, whichever comes first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryWithBackoff executes a function with retry logic.
// The operation receives the 1-based attempt number.
// Returns the result of the function or the final error after all retries exhausted.
func RetryWithBackoff[T any](ctx context.Context, cfg *RetryConfig, operation func(attempt int) (T, error), operationName string) (T, error) {
	var result T
	var err error

	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	waitDuration := cfg.InitialWait

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err = operation(attempt)

		if err == nil {
			if attempt > 1 {
				DebugLog("Retry: %s succeeded on attempt %d/%d", operationName, attempt, maxAttempts)
			}
			return result, nil
		}

		if cfg.OnFailure != nil {
			cfg.OnFailure(attempt, err)
		}

		if cfg.Retryable != nil && !cfg.Retryable(err) {
			DebugLog("Retry: %s failed with non-retryable error: %v", operationName, err)
			return result, err
		}

		if attempt == maxAttempts {
			WarnLog("Retry: %s failed after %d attempts: %v", operationName, maxAttempts, err)
			return result, fmt.Errorf("max retries exceeded (%d attempts): %w", maxAttempts, err)
		}

		DebugLog("Retry: %s failed (attempt %d/%d), retrying in %v: %v",
			operationName, attempt, maxAttempts, waitDuration, err)

		if serr := Sleep(ctx, waitDuration); serr != nil {
			return result, fmt.Errorf("%s: retry aborted after attempt %d: %w", operationName, attempt, serr)
		}

		if !cfg.Fixed {
			waitDuration *= 2
			if cfg.MaxWait > 0 && waitDuration > cfg.MaxWait {
				waitDuration = cfg.MaxWait
			}
		}
	}

	return result, fmt.Errorf("unexpected retry loop exit: %w", err)
}

// Retry executes a function with retry logic (no return value)
func Retry(ctx context.Context, cfg *RetryConfig, operation func(attempt int) error, operationName string) error {
	_, err := RetryWithBackoff(ctx, cfg, func(attempt int) (struct{}, error) {
		return struct{}{}, operation(attempt)
	}, operationName)
	return err
}
