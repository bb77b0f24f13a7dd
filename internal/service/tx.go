package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"salesledger/backend/internal/metrics"
	"salesledger/backend/internal/store"
)

const defaultConflictRetries = 3

// inTx runs fn in a repository transaction and reruns it from scratch when
// the store reports a serialization conflict. fn must not keep state across
// attempts.
func (s *Service) inTx(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = s.repo.WithTx(ctx, fn)
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		metrics.TxConflicts.Inc()
		if attempt > s.conflictRetries {
			return err
		}
		s.logger.Debug("retrying after transaction conflict",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))

		backoff := time.Duration(attempt) * 10 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}
