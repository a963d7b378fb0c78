package oracle

import (
	"context"

	"github.com/cenkalti/backoff/v4"
)

const (
	jitterFactor      = 0.2
	backoffMultiplier = 2
)

// newBackOff yields min(MaxDelay, BaseDelay*2^n) randomised by ±20% for
// each of the MaxRetries retries, then stops. It also stops once ctx is done.
func (o *Oracle) newBackOff(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.cfg.BaseDelay
	eb.RandomizationFactor = jitterFactor
	eb.Multiplier = backoffMultiplier
	eb.MaxInterval = o.cfg.MaxDelay
	eb.MaxElapsedTime = 0
	eb.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(o.cfg.MaxRetries)), ctx)
}
