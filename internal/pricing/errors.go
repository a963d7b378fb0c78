package pricing

import (
	"errors"
	"fmt"
)

var (
	ErrNoStagesConfigured        = errors.New("no sale stages configured")
	ErrReferencePriceUnavailable = errors.New("reference price unavailable")
)

// QuoteError wraps an oracle failure met while composing a quote.
type QuoteError struct {
	StageID string
	Asset   string
	Err     error
}

func (e *QuoteError) Error() string {
	return fmt.Sprintf("%s: stage %s, asset %s: %v", ErrReferencePriceUnavailable, e.StageID, e.Asset, e.Err)
}

func (e *QuoteError) Unwrap() error { return e.Err }

func (e *QuoteError) Is(target error) bool { return target == ErrReferencePriceUnavailable }
