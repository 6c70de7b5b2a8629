package checkout

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds per-stage retries: MaxRetries extra attempts after
// the first, sleeping Base, 2*Base, 4*Base... between them. Only
// transient errors retry; terminal errors surface immediately.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Base: 60 * time.Second}
}

func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return p.Base << uint(attempt)
}

func (p RetryPolicy) Do(ctx context.Context, log *zap.Logger, stage string, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || IsTerminal(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			return fmt.Errorf("stage %s: retries exhausted: %w", stage, err)
		}
		delay := p.Backoff(attempt)
		log.Warn("stage retry",
			zap.String("stage", stage),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
