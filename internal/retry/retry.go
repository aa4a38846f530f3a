// Package retry runs short filesystem operations that can fail transiently
// during log rotation, when the file at a path is being swapped out from
// under the reader.
package retry

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (default: 3)
	InitialDelay time.Duration // Delay before the first retry (default: 50ms)
	MaxDelay     time.Duration // Cap on the delay between retries (default: 1s)
	Multiplier   float64       // Exponential backoff multiplier (default: 2.0)
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}
}

// IsRetryable reports whether the error is worth retrying. A missing file is
// retryable: during rename-based rotation there is a window where the path
// briefly has no backing file.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	if os.IsTimeout(err) {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.EINTR, syscall.EAGAIN, syscall.EBUSY} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// Do runs op, retrying retryable failures with exponential backoff.
func Do(ctx context.Context, cfg Config, op func() error) error {
	delay := cfg.InitialDelay
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt >= cfg.MaxAttempts || !IsRetryable(err) {
			return err
		}

		log.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Retrying after transient error")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
