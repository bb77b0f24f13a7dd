package cache

import (
	"context"
	"time"

	"salesledger/backend/internal/domain"
)

// PolicyCache holds commission policy candidate lists keyed by
// classification. Entries are dropped whenever a policy window changes.
type PolicyCache interface {
	Get(ctx context.Context, key string) ([]domain.CommissionPolicy, bool, error)
	Set(ctx context.Context, key string, value []domain.CommissionPolicy, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type NoopPolicyCache struct{}

func (NoopPolicyCache) Get(_ context.Context, _ string) ([]domain.CommissionPolicy, bool, error) {
	return nil, false, nil
}

func (NoopPolicyCache) Set(_ context.Context, _ string, _ []domain.CommissionPolicy, _ time.Duration) error {
	return nil
}

func (NoopPolicyCache) Delete(_ context.Context, _ ...string) error {
	return nil
}
