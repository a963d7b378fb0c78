package oracle

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAllProvidersExhausted = errors.New("all price providers exhausted")
	ErrCancelled             = errors.New("price request cancelled")
	ErrInvalidAsset          = errors.New("invalid asset key")
)

// ExhaustedError is returned when every attempt over the provider chain failed.
// Err is the last error of the primary provider.
type ExhaustedError struct {
	Asset    string
	Attempts int
	// RetryAt is the end of the primary's rate-limit window, zero when the
	// primary is not blocked.
	RetryAt time.Time
	Err     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s for %s after %d attempts: %v", ErrAllProvidersExhausted, e.Asset, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (e *ExhaustedError) Is(target error) bool { return target == ErrAllProvidersExhausted }

func cancelled(cause error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
