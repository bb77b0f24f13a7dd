package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesledger/backend/internal/domain"
	"salesledger/backend/internal/ledger"
	"salesledger/backend/internal/store"
	"salesledger/backend/internal/store/memory"
)

type harness struct {
	repo    *memory.Store
	ledger  *ledger.Ledger
	auditor *Auditor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	repo := memory.New()
	require.NoError(t, repo.WithTx(ctx, func(tx store.Tx) error {
		now := time.Now().UTC()
		if err := tx.InsertClient(ctx, domain.Client{ID: "cli-1", Name: "Ana", CreatedAt: now}); err != nil {
			return err
		}
		for _, id := range []string{"svc-1", "svc-2"} {
			if err := tx.InsertService(ctx, domain.Service{ID: id, Name: id, BasePrice: decimal.NewFromInt(1), Active: true, CreatedAt: now}); err != nil {
				return err
			}
		}
		return nil
	}))
	l := ledger.New()
	return &harness{repo: repo, ledger: l, auditor: New(l, nil)}
}

func (h *harness) grant(t *testing.T, serviceID string, qty int64) domain.ClientPackage {
	t.Helper()
	var pkg domain.ClientPackage
	require.NoError(t, h.repo.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		pkg, _, err = h.ledger.Grant(context.Background(), tx, ledger.GrantRequest{
			ClientID: "cli-1", ServiceID: serviceID, Quantity: qty, UnitPrice: decimal.NewFromInt(2),
			Origin: ledger.Origin{Reason: "opening balance", Actor: "admin"},
		})
		return err
	}))
	return pkg
}

func (h *harness) consume(t *testing.T, pkgID string, qty int64, line string) {
	t.Helper()
	require.NoError(t, h.repo.WithTx(context.Background(), func(tx store.Tx) error {
		_, err := h.ledger.Consume(context.Background(), tx, ledger.ConsumeRequest{
			PackageID: pkgID, Quantity: qty, SaleID: "sale-" + line, SaleLineID: line,
		})
		return err
	}))
}

// tamper rewrites the counters directly, the way a repair script would.
func (h *harness) tamper(t *testing.T, pkgID string, initial int64, consumed int64) {
	t.Helper()
	require.NoError(t, h.repo.WithTx(context.Background(), func(tx store.Tx) error {
		pkg, err := tx.LockPackage(context.Background(), pkgID)
		if err != nil {
			return err
		}
		return tx.UpdatePackageCounters(context.Background(), pkgID, initial, consumed, pkg.UnitPrice, pkg.Active, time.Now().UTC())
	}))
}

func (h *harness) correct(mode domain.AdjustmentKind, pkgID string) (domain.CorrectionResult, error) {
	var result domain.CorrectionResult
	err := h.repo.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		result, err = h.auditor.Correct(context.Background(), tx, domain.CorrectionRequest{
			PackageID: pkgID, Mode: mode, Reason: "counter drift after manual repair",
		}, "admin")
		return err
	})
	return result, err
}

func TestAuditMatchesUntouchedHistory(t *testing.T) {
	h := newHarness(t)
	pkg := h.grant(t, "svc-1", 100)
	h.consume(t, pkg.ID, 40, "line-1")
	h.grant(t, "svc-1", 10)

	report, err := h.auditor.Audit(context.Background(), h.repo, pkg.ID)
	require.NoError(t, err)
	assert.False(t, report.Diverged())
	assert.NoError(t, report.Err())
	assert.EqualValues(t, 110, report.RecomputedInitial)
	assert.EqualValues(t, 40, report.RecomputedConsumed)
	assert.EqualValues(t, 70, report.StoredAvailable)
}

func TestAuditReportsTamperedCounters(t *testing.T) {
	h := newHarness(t)
	pkg := h.grant(t, "svc-1", 100)
	h.consume(t, pkg.ID, 40, "line-1")
	h.tamper(t, pkg.ID, 100, 10)

	report, err := h.auditor.Audit(context.Background(), h.repo, pkg.ID)
	require.NoError(t, err)
	require.True(t, report.Diverged())
	assert.EqualValues(t, 30, report.Divergence)

	var divergence *domain.LedgerDivergenceError
	require.True(t, errors.As(report.Err(), &divergence))
	assert.ErrorIs(t, report.Err(), domain.ErrLedgerDivergence)
	assert.EqualValues(t, 90, divergence.StoredAvailable)
	assert.EqualValues(t, 60, divergence.RecomputedAvailable)

	stored, err := h.repo.GetPackage(context.Background(), pkg.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 90, stored.AvailableQuantity, "audits never repair on their own")
}

func TestAuditUnknownPackage(t *testing.T) {
	h := newHarness(t)
	_, err := h.auditor.Audit(context.Background(), h.repo, "pkg-missing")
	assert.ErrorIs(t, err, domain.ErrUnknownPackage)
}

func TestAuditAllCountsDivergentPackages(t *testing.T) {
	h := newHarness(t)
	clean := h.grant(t, "svc-1", 5)
	drifted := h.grant(t, "svc-2", 5)
	h.consume(t, clean.ID, 2, "line-1")
	h.tamper(t, drifted.ID, 7, 0)

	summary, err := h.auditor.AuditAll(context.Background(), h.repo)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Packages)
	assert.Equal(t, 1, summary.Diverged)
	require.Len(t, summary.Reports, 1)
	assert.Equal(t, drifted.ID, summary.Reports[0].PackageID)
	assert.EqualValues(t, 2, summary.Reports[0].Divergence)
}

func TestCorrectResyncRewritesCounters(t *testing.T) {
	h := newHarness(t)
	pkg := h.grant(t, "svc-1", 100)
	h.consume(t, pkg.ID, 40, "line-1")
	h.tamper(t, pkg.ID, 100, 10)

	result, err := h.correct(domain.AdjustmentResync, pkg.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 60, result.Package.AvailableQuantity)
	assert.EqualValues(t, 30, result.Adjustment.ConsumedDelta)
	assert.EqualValues(t, 10, result.Adjustment.StoredConsumed)
	assert.False(t, result.Report.Diverged())

	_, err = h.correct(domain.AdjustmentResync, pkg.ID)
	assert.ErrorIs(t, err, domain.ErrNoDivergence)
}

func TestCorrectAdoptKeepsCounters(t *testing.T) {
	h := newHarness(t)
	pkg := h.grant(t, "svc-1", 100)
	h.consume(t, pkg.ID, 40, "line-1")
	h.tamper(t, pkg.ID, 120, 10)

	result, err := h.correct(domain.AdjustmentAdopt, pkg.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 110, result.Package.AvailableQuantity)
	assert.EqualValues(t, 20, result.Adjustment.InitialDelta)
	assert.EqualValues(t, -30, result.Adjustment.ConsumedDelta)

	report, err := h.auditor.Audit(context.Background(), h.repo, pkg.ID)
	require.NoError(t, err)
	assert.False(t, report.Diverged())

	h.consume(t, pkg.ID, 5, "line-2")
	report, err = h.auditor.Audit(context.Background(), h.repo, pkg.ID)
	require.NoError(t, err)
	assert.False(t, report.Diverged(), "later activity stays consistent with adopted history")
}

func TestCorrectNeedsReasonAndMode(t *testing.T) {
	h := newHarness(t)
	pkg := h.grant(t, "svc-1", 1)

	err := h.repo.WithTx(context.Background(), func(tx store.Tx) error {
		_, err := h.auditor.Correct(context.Background(), tx, domain.CorrectionRequest{PackageID: pkg.ID, Mode: "fix"}, "admin")
		return err
	})
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)

	err = h.repo.WithTx(context.Background(), func(tx store.Tx) error {
		_, err := h.auditor.Correct(context.Background(), tx, domain.CorrectionRequest{PackageID: pkg.ID, Mode: domain.AdjustmentResync}, "admin")
		return err
	})
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
}
