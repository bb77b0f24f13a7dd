// Package policy selects the commission policy in force for a line
// classification on a business date and guards the policy table against
// overlapping validity windows.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"salesledger/backend/internal/cache"
	"salesledger/backend/internal/domain"
	"salesledger/backend/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Source is where candidate policies are read from. Both repositories and
// open transactions satisfy it. Only reads outside a store.Tx fill the cache.
type Source interface {
	ListPolicies(ctx context.Context, classification domain.LineKind) ([]domain.CommissionPolicy, error)
}

type Resolver struct {
	cache  cache.PolicyCache
	ttl    time.Duration
	logger *zap.Logger
}

func NewResolver(policyCache cache.PolicyCache, ttl time.Duration, logger *zap.Logger) *Resolver {
	if policyCache == nil {
		policyCache = cache.NoopPolicyCache{}
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{cache: policyCache, ttl: ttl, logger: logger}
}

// Resolve returns the single policy for classification whose window contains
// day. It never falls back to a default policy.
func (r *Resolver) Resolve(ctx context.Context, src Source, classification domain.LineKind, day time.Time) (domain.CommissionPolicy, error) {
	candidates, err := r.candidates(ctx, src, classification)
	if err != nil {
		return domain.CommissionPolicy{}, err
	}
	return Select(candidates, classification, day)
}

// Invalidate drops cached candidates. Call it after the transaction that
// changed a policy has committed.
func (r *Resolver) Invalidate(ctx context.Context, classifications ...domain.LineKind) {
	keys := lo.Map(classifications, func(kind domain.LineKind, _ int) string { return string(kind) })
	if err := r.cache.Delete(ctx, keys...); err != nil {
		r.logger.Warn("policy cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

// Refresh drops cached candidates and reloads them from committed state. Call
// it after the transaction that changed a policy has committed.
func (r *Resolver) Refresh(ctx context.Context, src Source, classifications ...domain.LineKind) {
	r.Invalidate(ctx, classifications...)
	for _, kind := range classifications {
		if _, err := r.candidates(ctx, src, kind); err != nil {
			r.logger.Warn("policy cache refill failed", zap.String("key", string(kind)), zap.Error(err))
		}
	}
}

func (r *Resolver) candidates(ctx context.Context, src Source, classification domain.LineKind) ([]domain.CommissionPolicy, error) {
	key := string(classification)
	cached, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn("policy cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		return cached, nil
	}

	policies, err := src.ListPolicies(ctx, classification)
	if err != nil {
		return nil, err
	}
	// A transaction snapshot can predate a policy commit and its invalidation.
	if _, inTx := src.(store.Tx); inTx {
		return policies, nil
	}
	if err := r.cache.Set(ctx, key, policies, r.ttl); err != nil {
		r.logger.Warn("policy cache write failed", zap.String("key", key), zap.Error(err))
	}
	return policies, nil
}

// Select picks the policy covering day. Zero matches is
// ErrNoApplicablePolicy; more than one is ErrAmbiguousPolicy.
func Select(policies []domain.CommissionPolicy, classification domain.LineKind, day time.Time) (domain.CommissionPolicy, error) {
	matches := lo.Filter(policies, func(p domain.CommissionPolicy, _ int) bool {
		return p.Classification == classification && p.Covers(day)
	})

	switch len(matches) {
	case 0:
		return domain.CommissionPolicy{}, fmt.Errorf("%w: %s on %s",
			domain.ErrNoApplicablePolicy, classification, day.Format(domain.DateLayout))
	case 1:
		return matches[0], nil
	default:
		ids := lo.Map(matches, func(p domain.CommissionPolicy, _ int) string { return p.ID })
		return domain.CommissionPolicy{}, fmt.Errorf("%w: %s on %s matches %s",
			domain.ErrAmbiguousPolicy, classification, day.Format(domain.DateLayout), strings.Join(ids, ", "))
	}
}

// CheckOverlap rejects candidate when its window intersects any other
// policy of the same classification.
func CheckOverlap(existing []domain.CommissionPolicy, candidate domain.CommissionPolicy) error {
	for _, other := range existing {
		if other.ID == candidate.ID {
			continue
		}
		if candidate.Overlaps(other) {
			return fmt.Errorf("%w: %s", domain.ErrPolicyOverlap, other.ID)
		}
	}
	return nil
}

func Validate(p domain.CommissionPolicy) error {
	if !p.Classification.Valid() {
		return fmt.Errorf("%w: unknown classification %q", store.ErrInvalidTransaction, p.Classification)
	}
	switch p.Method {
	case domain.PolicyMethodRate:
		if p.Rate.IsNegative() || p.Rate.GreaterThan(hundred) {
			return fmt.Errorf("%w: rate must be between 0 and 100", store.ErrInvalidTransaction)
		}
	case domain.PolicyMethodFlat:
		if p.FlatAmount.IsNegative() {
			return fmt.Errorf("%w: flat amount must not be negative", store.ErrInvalidTransaction)
		}
	default:
		return fmt.Errorf("%w: unknown method %q", store.ErrInvalidTransaction, p.Method)
	}
	if p.ValidFrom.IsZero() {
		return fmt.Errorf("%w: valid_from is required", store.ErrInvalidTransaction)
	}
	if p.ValidUntil != nil && !p.ValidUntil.After(p.ValidFrom) {
		return fmt.Errorf("%w: valid_until must be after valid_from", store.ErrInvalidTransaction)
	}
	return nil
}

// Register validates p and inserts it inside tx after checking it against
// every existing window of its classification.
func Register(ctx context.Context, tx store.Tx, p domain.CommissionPolicy) error {
	if err := Validate(p); err != nil {
		return err
	}
	existing, err := tx.ListPolicies(ctx, p.Classification)
	if err != nil {
		return err
	}
	if err := CheckOverlap(existing, p); err != nil {
		return err
	}
	return tx.InsertPolicy(ctx, p)
}

// Retire closes the window of policy id at validUntil (exclusive).
func Retire(ctx context.Context, tx store.Tx, id string, validUntil time.Time) (domain.CommissionPolicy, error) {
	current, err := tx.GetPolicy(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CommissionPolicy{}, fmt.Errorf("%w: %s", domain.ErrUnknownPolicy, id)
		}
		return domain.CommissionPolicy{}, err
	}

	updated := *current
	updated.ValidUntil = &validUntil
	if err := Validate(updated); err != nil {
		return domain.CommissionPolicy{}, err
	}
	existing, err := tx.ListPolicies(ctx, updated.Classification)
	if err != nil {
		return domain.CommissionPolicy{}, err
	}
	if err := CheckOverlap(existing, updated); err != nil {
		return domain.CommissionPolicy{}, err
	}
	if err := tx.SetPolicyValidUntil(ctx, id, validUntil); err != nil {
		return domain.CommissionPolicy{}, err
	}
	return updated, nil
}
