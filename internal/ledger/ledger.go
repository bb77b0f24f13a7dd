// Package ledger owns every write to a client package's counters. Each
// operation runs inside the caller's store transaction and keeps
// available == initial - consumed by writing only the two counters.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"salesledger/backend/internal/domain"
	"salesledger/backend/internal/store"
	"salesledger/backend/internal/xid"
)

// Origin links a grant to where it came from. Either SaleID and SaleLineID
// are set, or it is an administrative grant with a Reason.
type Origin struct {
	SaleID     string
	SaleLineID string
	Reason     string
	Actor      string
}

func (o Origin) source() domain.GrantSource {
	if o.SaleLineID != "" {
		return domain.GrantSourceSale
	}
	return domain.GrantSourceAdministrative
}

func (o Origin) validate() error {
	switch {
	case o.SaleLineID != "" && o.SaleID == "":
		return fmt.Errorf("%w: sale grant needs a sale id", store.ErrInvalidTransaction)
	case o.SaleLineID == "" && strings.TrimSpace(o.Reason) == "":
		return fmt.Errorf("%w: administrative grant needs a reason", store.ErrInvalidTransaction)
	case strings.TrimSpace(o.Actor) == "":
		return fmt.Errorf("%w: grant needs an actor", store.ErrInvalidTransaction)
	}
	return nil
}

type GrantRequest struct {
	ClientID  string
	ServiceID string
	Quantity  int64
	UnitPrice decimal.Decimal
	Origin    Origin
}

type ConsumeRequest struct {
	PackageID  string
	Quantity   int64
	SaleID     string
	SaleLineID string
}

type Ledger struct {
	now func() time.Time
}

func New() *Ledger {
	return &Ledger{now: func() time.Time { return time.Now().UTC() }}
}

// Grant creates the client's package for the service or tops up the active
// one. A top-up reprices the package to the grant's unit price.
func (l *Ledger) Grant(ctx context.Context, tx store.Tx, req GrantRequest) (domain.ClientPackage, domain.PackageGrant, error) {
	if req.Quantity < 1 {
		return domain.ClientPackage{}, domain.PackageGrant{}, fmt.Errorf("%w: grant quantity must be positive", store.ErrInvalidTransaction)
	}
	if req.UnitPrice.IsNegative() {
		return domain.ClientPackage{}, domain.PackageGrant{}, fmt.Errorf("%w: unit price must not be negative", store.ErrInvalidTransaction)
	}
	if err := req.Origin.validate(); err != nil {
		return domain.ClientPackage{}, domain.PackageGrant{}, err
	}

	if req.Origin.SaleLineID != "" {
		_, err := tx.FindGrantBySaleLine(ctx, req.Origin.SaleLineID)
		switch {
		case err == nil:
			return domain.ClientPackage{}, domain.PackageGrant{}, fmt.Errorf("%w: %s", domain.ErrDuplicateGrant, req.Origin.SaleLineID)
		case !errors.Is(err, store.ErrNotFound):
			return domain.ClientPackage{}, domain.PackageGrant{}, err
		}
	}
	if _, err := tx.GetClient(ctx, req.ClientID); err != nil {
		return domain.ClientPackage{}, domain.PackageGrant{}, notFoundAs(err, domain.ErrUnknownClient, req.ClientID)
	}
	if _, err := tx.GetService(ctx, req.ServiceID); err != nil {
		return domain.ClientPackage{}, domain.PackageGrant{}, notFoundAs(err, domain.ErrUnknownService, req.ServiceID)
	}

	now := l.now()
	pkg, err := tx.LockActivePackage(ctx, req.ClientID, req.ServiceID)
	switch {
	case err == nil:
		initial := pkg.InitialQuantity + req.Quantity
		if err := tx.UpdatePackageCounters(ctx, pkg.ID, initial, pkg.ConsumedQuantity, req.UnitPrice, true, now); err != nil {
			return domain.ClientPackage{}, domain.PackageGrant{}, err
		}
	case errors.Is(err, store.ErrNotFound):
		created := domain.ClientPackage{
			ID:              xid.New("pkg"),
			ClientID:        req.ClientID,
			ServiceID:       req.ServiceID,
			InitialQuantity: req.Quantity,
			UnitPrice:       req.UnitPrice,
			Active:          true,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if req.Origin.SaleID != "" {
			saleID := req.Origin.SaleID
			created.OriginSaleID = &saleID
		}
		if err := tx.InsertPackage(ctx, created); err != nil {
			// Another transaction opened the same active package first.
			if errors.Is(err, store.ErrDuplicate) {
				return domain.ClientPackage{}, domain.PackageGrant{}, fmt.Errorf("%w: active package for %s/%s", store.ErrConflict, req.ClientID, req.ServiceID)
			}
			return domain.ClientPackage{}, domain.PackageGrant{}, err
		}
		pkg = &created
	default:
		return domain.ClientPackage{}, domain.PackageGrant{}, err
	}

	grant := domain.PackageGrant{
		ID:        xid.New("grt"),
		PackageID: pkg.ID,
		Source:    req.Origin.source(),
		Reason:    strings.TrimSpace(req.Origin.Reason),
		Actor:     req.Origin.Actor,
		Quantity:  req.Quantity,
		UnitPrice: req.UnitPrice,
		CreatedAt: now,
	}
	if grant.Source == domain.GrantSourceSale {
		saleID, lineID := req.Origin.SaleID, req.Origin.SaleLineID
		grant.SaleID = &saleID
		grant.SaleLineID = &lineID
	}
	if err := tx.InsertGrant(ctx, grant); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.ClientPackage{}, domain.PackageGrant{}, fmt.Errorf("%w: %s", domain.ErrDuplicateGrant, req.Origin.SaleLineID)
		}
		return domain.ClientPackage{}, domain.PackageGrant{}, err
	}

	updated, err := tx.GetPackage(ctx, pkg.ID)
	if err != nil {
		return domain.ClientPackage{}, domain.PackageGrant{}, err
	}
	return *updated, grant, nil
}

// Consume debits quantity units from a package for one sale line.
func (l *Ledger) Consume(ctx context.Context, tx store.Tx, req ConsumeRequest) (domain.PackageConsumption, error) {
	if req.Quantity < 1 {
		return domain.PackageConsumption{}, fmt.Errorf("%w: consume quantity must be positive", store.ErrInvalidTransaction)
	}
	if req.SaleID == "" || req.SaleLineID == "" {
		return domain.PackageConsumption{}, fmt.Errorf("%w: consumption needs a sale line", store.ErrInvalidTransaction)
	}

	pkg, err := tx.LockPackage(ctx, req.PackageID)
	if err != nil {
		return domain.PackageConsumption{}, notFoundAs(err, domain.ErrUnknownPackage, req.PackageID)
	}
	if !pkg.Active {
		return domain.PackageConsumption{}, fmt.Errorf("%w: %s", domain.ErrPackageInactive, pkg.ID)
	}
	if req.Quantity > pkg.AvailableQuantity {
		return domain.PackageConsumption{}, &domain.InsufficientBalanceError{
			PackageID: pkg.ID,
			Available: pkg.AvailableQuantity,
			Requested: req.Quantity,
		}
	}

	now := l.now()
	if err := tx.UpdatePackageCounters(ctx, pkg.ID, pkg.InitialQuantity, pkg.ConsumedQuantity+req.Quantity, pkg.UnitPrice, pkg.Active, now); err != nil {
		return domain.PackageConsumption{}, err
	}
	consumption := domain.PackageConsumption{
		ID:         xid.New("cns"),
		PackageID:  pkg.ID,
		SaleID:     req.SaleID,
		SaleLineID: req.SaleLineID,
		Quantity:   req.Quantity,
		UnitPrice:  pkg.UnitPrice,
		CreatedAt:  now,
	}
	if err := tx.InsertConsumption(ctx, consumption); err != nil {
		return domain.PackageConsumption{}, err
	}
	return consumption, nil
}

// ReverseConsumption removes a consumption and gives its units back.
func (l *Ledger) ReverseConsumption(ctx context.Context, tx store.Tx, consumptionID string) error {
	consumption, err := tx.GetConsumption(ctx, consumptionID)
	if err != nil {
		return notFoundAs(err, domain.ErrAlreadyCancelled, consumptionID)
	}
	pkg, err := tx.LockPackage(ctx, consumption.PackageID)
	if err != nil {
		return notFoundAs(err, domain.ErrUnknownPackage, consumption.PackageID)
	}
	consumed := pkg.ConsumedQuantity - consumption.Quantity
	if consumed < 0 {
		return fmt.Errorf("%w: package %s would have negative consumption", store.ErrInvalidTransaction, pkg.ID)
	}
	if err := tx.DeleteConsumption(ctx, consumption.ID); err != nil {
		return notFoundAs(err, domain.ErrAlreadyCancelled, consumption.ID)
	}
	return tx.UpdatePackageCounters(ctx, pkg.ID, pkg.InitialQuantity, consumed, pkg.UnitPrice, pkg.Active, l.now())
}

// RevokeGrant takes a grant's units back out of its package. Units already
// consumed elsewhere cannot be revoked.
func (l *Ledger) RevokeGrant(ctx context.Context, tx store.Tx, grantID string) error {
	grant, err := tx.GetGrant(ctx, grantID)
	if err != nil {
		return fmt.Errorf("grant %s: %w", grantID, err)
	}
	if grant.RevokedAt != nil {
		return fmt.Errorf("%w: grant %s", domain.ErrAlreadyCancelled, grant.ID)
	}
	pkg, err := tx.LockPackage(ctx, grant.PackageID)
	if err != nil {
		return notFoundAs(err, domain.ErrUnknownPackage, grant.PackageID)
	}
	if pkg.AvailableQuantity < grant.Quantity {
		return &domain.InsufficientBalanceError{
			PackageID: pkg.ID,
			Available: pkg.AvailableQuantity,
			Requested: grant.Quantity,
		}
	}

	now := l.now()
	if err := tx.RevokeGrant(ctx, grant.ID, now); err != nil {
		return notFoundAs(err, domain.ErrAlreadyCancelled, grant.ID)
	}
	initial := pkg.InitialQuantity - grant.Quantity
	active := pkg.Active && initial > 0
	return tx.UpdatePackageCounters(ctx, pkg.ID, initial, pkg.ConsumedQuantity, pkg.UnitPrice, active, now)
}

// ApplyAdjustment records a correction. Resync deltas move the stored
// counters; adopt deltas only enter the history.
func (l *Ledger) ApplyAdjustment(ctx context.Context, tx store.Tx, adjustment domain.LedgerAdjustment) (domain.ClientPackage, domain.LedgerAdjustment, error) {
	if !adjustment.Kind.Valid() {
		return domain.ClientPackage{}, domain.LedgerAdjustment{}, fmt.Errorf("%w: unknown adjustment kind %q", store.ErrInvalidTransaction, adjustment.Kind)
	}
	if strings.TrimSpace(adjustment.Reason) == "" {
		return domain.ClientPackage{}, domain.LedgerAdjustment{}, fmt.Errorf("%w: adjustment needs a reason", store.ErrInvalidTransaction)
	}
	pkg, err := tx.LockPackage(ctx, adjustment.PackageID)
	if err != nil {
		return domain.ClientPackage{}, domain.LedgerAdjustment{}, notFoundAs(err, domain.ErrUnknownPackage, adjustment.PackageID)
	}

	now := l.now()
	if adjustment.ID == "" {
		adjustment.ID = xid.New("adj")
	}
	adjustment.StoredInitial = pkg.InitialQuantity
	adjustment.StoredConsumed = pkg.ConsumedQuantity
	adjustment.CreatedAt = now

	if adjustment.Kind == domain.AdjustmentResync {
		initial := pkg.InitialQuantity + adjustment.InitialDelta
		consumed := pkg.ConsumedQuantity + adjustment.ConsumedDelta
		if consumed < 0 || initial < consumed {
			return domain.ClientPackage{}, domain.LedgerAdjustment{}, fmt.Errorf("%w: adjustment leaves package %s at %d/%d",
				store.ErrInvalidTransaction, pkg.ID, initial, consumed)
		}
		if err := tx.UpdatePackageCounters(ctx, pkg.ID, initial, consumed, pkg.UnitPrice, pkg.Active, now); err != nil {
			return domain.ClientPackage{}, domain.LedgerAdjustment{}, err
		}
	}
	if err := tx.InsertAdjustment(ctx, adjustment); err != nil {
		return domain.ClientPackage{}, domain.LedgerAdjustment{}, err
	}

	updated, err := tx.GetPackage(ctx, pkg.ID)
	if err != nil {
		return domain.ClientPackage{}, domain.LedgerAdjustment{}, err
	}
	return *updated, adjustment, nil
}

// BalanceOf reads the stored counters of a package. Available is derived
// from them, never read back.
func BalanceOf(ctx context.Context, reader store.Reader, packageID string) (domain.Balance, error) {
	pkg, err := reader.GetPackage(ctx, packageID)
	if err != nil {
		return domain.Balance{}, notFoundAs(err, domain.ErrUnknownPackage, packageID)
	}
	return domain.Balance{
		PackageID: pkg.ID,
		Initial:   pkg.InitialQuantity,
		Consumed:  pkg.ConsumedQuantity,
		Available: pkg.InitialQuantity - pkg.ConsumedQuantity,
	}, nil
}

func notFoundAs(err error, sentinel error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", sentinel, id)
	}
	return err
}
