// Package audit recomputes package balances from their event history and
// records explicit corrections when stored counters have drifted.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"salesledger/backend/internal/domain"
	"salesledger/backend/internal/ledger"
	"salesledger/backend/internal/metrics"
	"salesledger/backend/internal/store"
)

type Auditor struct {
	ledger *ledger.Ledger
	logger *zap.Logger
	now    func() time.Time
}

func New(l *ledger.Ledger, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{
		ledger: l,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Audit compares a package's stored counters with its history. Revoked
// grants and consumptions of cancelled sales do not count; adopt
// adjustments do.
func (a *Auditor) Audit(ctx context.Context, r store.Reader, packageID string) (domain.AuditReport, error) {
	pkg, err := r.GetPackage(ctx, packageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.AuditReport{}, fmt.Errorf("%w: %s", domain.ErrUnknownPackage, packageID)
		}
		return domain.AuditReport{}, err
	}
	grants, err := r.ListGrantsByPackage(ctx, pkg.ID)
	if err != nil {
		return domain.AuditReport{}, err
	}
	consumptions, err := r.ListConsumptionsByPackage(ctx, pkg.ID)
	if err != nil {
		return domain.AuditReport{}, err
	}
	adjustments, err := r.ListAdjustments(ctx, pkg.ID)
	if err != nil {
		return domain.AuditReport{}, err
	}

	initial := lo.SumBy(grants, func(g domain.PackageGrant) int64 {
		if g.RevokedAt != nil {
			return 0
		}
		return g.Quantity
	})
	consumed := lo.SumBy(consumptions, func(c domain.PackageConsumption) int64 {
		if c.SaleStatus == domain.SaleStatusCancelled {
			return 0
		}
		return c.Quantity
	})
	for _, adj := range adjustments {
		if adj.Kind == domain.AdjustmentAdopt {
			initial += adj.InitialDelta
			consumed += adj.ConsumedDelta
		}
	}

	recomputedAvailable := initial - consumed
	return domain.AuditReport{
		PackageID:           pkg.ID,
		StoredInitial:       pkg.InitialQuantity,
		StoredConsumed:      pkg.ConsumedQuantity,
		StoredAvailable:     pkg.AvailableQuantity,
		RecomputedInitial:   initial,
		RecomputedConsumed:  consumed,
		RecomputedAvailable: recomputedAvailable,
		Divergence:          pkg.AvailableQuantity - recomputedAvailable,
		AuditedAt:           a.now(),
	}, nil
}

// AuditAll audits every package and publishes the divergent count. Only
// divergent reports are returned.
func (a *Auditor) AuditAll(ctx context.Context, r store.Reader) (domain.AuditSummary, error) {
	started := time.Now()
	packages, err := r.ListPackages(ctx, "")
	if err != nil {
		return domain.AuditSummary{}, err
	}

	summary := domain.AuditSummary{
		Packages:  len(packages),
		Reports:   make([]domain.AuditReport, 0),
		AuditedAt: a.now(),
	}
	for _, pkg := range packages {
		report, err := a.Audit(ctx, r, pkg.ID)
		if err != nil {
			return domain.AuditSummary{}, err
		}
		if !report.Diverged() {
			continue
		}
		a.logger.Warn("ledger divergence",
			zap.String("package_id", report.PackageID),
			zap.Int64("stored_available", report.StoredAvailable),
			zap.Int64("recomputed_available", report.RecomputedAvailable),
			zap.Int64("divergence", report.Divergence))
		summary.Reports = append(summary.Reports, report)
	}
	summary.Diverged = len(summary.Reports)

	metrics.DivergentPackages.Set(float64(summary.Diverged))
	metrics.AuditDuration.Observe(time.Since(started).Seconds())
	return summary, nil
}

// Correct resolves a divergence with an explicit adjustment. Resync moves
// the stored counters onto the history; adopt keeps the counters and
// records the difference as history.
func (a *Auditor) Correct(ctx context.Context, tx store.Tx, req domain.CorrectionRequest, actor string) (domain.CorrectionResult, error) {
	if !req.Mode.Valid() {
		return domain.CorrectionResult{}, fmt.Errorf("%w: mode must be resync or adopt", store.ErrInvalidTransaction)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return domain.CorrectionResult{}, fmt.Errorf("%w: correction needs a reason", store.ErrInvalidTransaction)
	}
	if _, err := tx.LockPackage(ctx, req.PackageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CorrectionResult{}, fmt.Errorf("%w: %s", domain.ErrUnknownPackage, req.PackageID)
		}
		return domain.CorrectionResult{}, err
	}

	before, err := a.Audit(ctx, tx, req.PackageID)
	if err != nil {
		return domain.CorrectionResult{}, err
	}
	if !before.Diverged() {
		return domain.CorrectionResult{}, fmt.Errorf("%w: %s", domain.ErrNoDivergence, req.PackageID)
	}

	adjustment := domain.LedgerAdjustment{
		PackageID: req.PackageID,
		Kind:      req.Mode,
		Reason:    strings.TrimSpace(req.Reason),
		Actor:     actor,
	}
	switch req.Mode {
	case domain.AdjustmentResync:
		adjustment.InitialDelta = before.RecomputedInitial - before.StoredInitial
		adjustment.ConsumedDelta = before.RecomputedConsumed - before.StoredConsumed
	case domain.AdjustmentAdopt:
		adjustment.InitialDelta = before.StoredInitial - before.RecomputedInitial
		adjustment.ConsumedDelta = before.StoredConsumed - before.RecomputedConsumed
	}

	pkg, recorded, err := a.ledger.ApplyAdjustment(ctx, tx, adjustment)
	if err != nil {
		return domain.CorrectionResult{}, err
	}

	after, err := a.Audit(ctx, tx, pkg.ID)
	if err != nil {
		return domain.CorrectionResult{}, err
	}
	if err := after.Err(); err != nil {
		return domain.CorrectionResult{}, fmt.Errorf("correction left package inconsistent: %w", err)
	}
	return domain.CorrectionResult{Adjustment: recorded, Package: pkg, Report: after}, nil
}
