// Package sales drives a sale through open, confirmed and cancelled and
// applies its ledger and commission effects in the caller's transaction.
package sales

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"salesledger/backend/internal/commission"
	"salesledger/backend/internal/domain"
	"salesledger/backend/internal/ledger"
	"salesledger/backend/internal/store"
	"salesledger/backend/internal/xid"
)

type Processor struct {
	ledger *ledger.Ledger
	calc   *commission.Calculator
	loc    *time.Location
	now    func() time.Time
}

// NewProcessor uses loc to turn the current instant into a business date
// when a request carries none.
func NewProcessor(l *ledger.Ledger, calc *commission.Calculator, loc *time.Location) *Processor {
	if loc == nil {
		loc = time.UTC
	}
	return &Processor{
		ledger: l,
		calc:   calc,
		loc:    loc,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (p *Processor) BusinessDate(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return domain.CivilDate(p.now(), p.loc), nil
	}
	d, err := domain.ParseDate(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: business_date must be YYYY-MM-DD", domain.ErrInvalidSale)
	}
	return d, nil
}

// Create validates and prices a sale, stores it open and, unless it is a
// draft or has no lines, confirms it in the same transaction.
func (p *Processor) Create(ctx context.Context, tx store.Tx, req domain.SaleCreateRequest) (domain.Sale, error) {
	if _, err := tx.GetClient(ctx, req.ClientID); err != nil {
		return domain.Sale{}, notFoundAs(err, domain.ErrUnknownClient, req.ClientID)
	}
	attendant, err := tx.GetUser(ctx, req.AttendantID)
	if err != nil {
		return domain.Sale{}, notFoundAs(err, domain.ErrUnknownAttendant, req.AttendantID)
	}
	if !attendant.Active {
		return domain.Sale{}, fmt.Errorf("%w: %s is inactive", domain.ErrUnknownAttendant, req.AttendantID)
	}
	businessDate, err := p.BusinessDate(req.BusinessDate)
	if err != nil {
		return domain.Sale{}, err
	}
	if req.Discount.IsNegative() {
		return domain.Sale{}, fmt.Errorf("%w: discount must not be negative", domain.ErrInvalidSale)
	}

	now := p.now()
	sale := domain.Sale{
		ID:               xid.New("sale"),
		ClientID:         req.ClientID,
		AttendantID:      attendant.Username,
		BusinessDate:     businessDate,
		Status:           domain.SaleStatusOpen,
		Discount:         req.Discount,
		RefundTotal:      decimal.Zero,
		CommissionAmount: decimal.Zero,
		Notes:            strings.TrimSpace(req.Notes),
		CreatedAt:        now,
		UpdatedAt:        now,
		Lines:            make([]domain.SaleLine, 0, len(req.Lines)),
	}

	subtotal := decimal.Zero
	for i, lineReq := range req.Lines {
		line, err := p.buildLine(ctx, tx, sale, i+1, lineReq)
		if err != nil {
			return domain.Sale{}, err
		}
		if line.Kind != domain.LineKindConsumption {
			subtotal = subtotal.Add(line.LineTotal)
		}
		sale.Lines = append(sale.Lines, line)
	}
	if req.Discount.GreaterThan(subtotal) {
		return domain.Sale{}, fmt.Errorf("%w: discount %s exceeds subtotal %s", domain.ErrInvalidSale, req.Discount, subtotal)
	}
	sale.Subtotal = subtotal
	sale.Total = subtotal.Sub(req.Discount)

	if err := tx.InsertSale(ctx, sale); err != nil {
		return domain.Sale{}, err
	}
	if req.Draft || len(sale.Lines) == 0 {
		return sale, nil
	}
	return p.Confirm(ctx, tx, sale.ID)
}

func (p *Processor) buildLine(ctx context.Context, tx store.Tx, sale domain.Sale, position int, req domain.SaleLineRequest) (domain.SaleLine, error) {
	if !req.Kind.Valid() {
		return domain.SaleLine{}, fmt.Errorf("%w: line %d has unknown kind %q", domain.ErrInvalidSale, position, req.Kind)
	}
	if req.Quantity < 1 {
		return domain.SaleLine{}, fmt.Errorf("%w: line %d quantity must be positive", domain.ErrInvalidSale, position)
	}
	if req.Discount.IsNegative() {
		return domain.SaleLine{}, fmt.Errorf("%w: line %d discount must not be negative", domain.ErrInvalidSale, position)
	}

	line := domain.SaleLine{
		ID:       xid.New("line"),
		SaleID:   sale.ID,
		Position: position,
		Kind:     req.Kind,
		Quantity: req.Quantity,
		Discount: req.Discount,
	}

	switch req.Kind {
	case domain.LineKindConsumption:
		if req.PackageID == "" {
			return domain.SaleLine{}, fmt.Errorf("%w: line %d needs a package", domain.ErrInvalidSale, position)
		}
		pkg, err := tx.GetPackage(ctx, req.PackageID)
		if err != nil {
			return domain.SaleLine{}, notFoundAs(err, domain.ErrUnknownPackage, req.PackageID)
		}
		if pkg.ClientID != sale.ClientID {
			return domain.SaleLine{}, fmt.Errorf("%w: package %s belongs to another client", domain.ErrInvalidSale, pkg.ID)
		}
		if req.ServiceID != "" && req.ServiceID != pkg.ServiceID {
			return domain.SaleLine{}, fmt.Errorf("%w: package %s is for service %s", domain.ErrInvalidSale, pkg.ID, pkg.ServiceID)
		}
		pkgID := pkg.ID
		line.PackageID = &pkgID
		line.ServiceID = pkg.ServiceID
		line.UnitPrice = pkg.UnitPrice
	default:
		if req.PackageID != "" {
			return domain.SaleLine{}, fmt.Errorf("%w: line %d of kind %s cannot name a package", domain.ErrInvalidSale, position, req.Kind)
		}
		svc, err := tx.GetService(ctx, req.ServiceID)
		if err != nil {
			return domain.SaleLine{}, notFoundAs(err, domain.ErrUnknownService, req.ServiceID)
		}
		if !svc.Active {
			return domain.SaleLine{}, fmt.Errorf("%w: service %s is inactive", domain.ErrInvalidSale, svc.ID)
		}
		line.ServiceID = svc.ID
		line.UnitPrice = svc.BasePrice
		if req.UnitPrice != nil {
			line.UnitPrice = *req.UnitPrice
		}
		if line.UnitPrice.IsNegative() {
			return domain.SaleLine{}, fmt.Errorf("%w: line %d unit price must not be negative", domain.ErrInvalidSale, position)
		}
	}

	gross := line.UnitPrice.Mul(decimal.NewFromInt(line.Quantity))
	if line.Discount.GreaterThan(gross) {
		return domain.SaleLine{}, fmt.Errorf("%w: line %d discount exceeds %s", domain.ErrInvalidSale, position, gross)
	}
	line.LineTotal = gross.Sub(line.Discount)
	return line, nil
}

// Confirm applies every line's ledger effect and records its commission.
// A sale without lines stays open and nothing is written.
func (p *Processor) Confirm(ctx context.Context, tx store.Tx, saleID string) (domain.Sale, error) {
	sale, err := p.lockSale(ctx, tx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	switch sale.Status {
	case domain.SaleStatusCancelled:
		return domain.Sale{}, fmt.Errorf("%w: sale %s", domain.ErrAlreadyCancelled, sale.ID)
	case domain.SaleStatusConfirmed:
		return domain.Sale{}, fmt.Errorf("%w: sale %s is already confirmed", domain.ErrInvalidTransition, sale.ID)
	}
	if len(sale.Lines) == 0 {
		return *sale, nil
	}

	// Lock debited packages in id order before touching any of them.
	debited := lo.Uniq(lo.FilterMap(sale.Lines, func(line domain.SaleLine, _ int) (string, bool) {
		if line.Kind != domain.LineKindConsumption || line.PackageID == nil {
			return "", false
		}
		return *line.PackageID, true
	}))
	slices.Sort(debited)
	for _, pkgID := range debited {
		if _, err := tx.LockPackage(ctx, pkgID); err != nil {
			return domain.Sale{}, notFoundAs(err, domain.ErrUnknownPackage, pkgID)
		}
	}

	for i := range sale.Lines {
		line := &sale.Lines[i]
		switch line.Kind {
		case domain.LineKindGrant:
			pkg, _, err := p.ledger.Grant(ctx, tx, ledger.GrantRequest{
				ClientID:  sale.ClientID,
				ServiceID: line.ServiceID,
				Quantity:  line.Quantity,
				UnitPrice: line.UnitPrice,
				Origin:    ledger.Origin{SaleID: sale.ID, SaleLineID: line.ID, Actor: sale.AttendantID},
			})
			if err != nil {
				return domain.Sale{}, fmt.Errorf("line %d: %w", line.Position, err)
			}
			if err := tx.SetSaleLinePackage(ctx, line.ID, pkg.ID); err != nil {
				return domain.Sale{}, err
			}
			pkgID := pkg.ID
			line.PackageID = &pkgID
		case domain.LineKindConsumption:
			consumption, err := p.ledger.Consume(ctx, tx, ledger.ConsumeRequest{
				PackageID:  *line.PackageID,
				Quantity:   line.Quantity,
				SaleID:     sale.ID,
				SaleLineID: line.ID,
			})
			if err != nil {
				return domain.Sale{}, fmt.Errorf("line %d: %w", line.Position, err)
			}
			if err := p.reprice(ctx, tx, line, consumption.UnitPrice); err != nil {
				return domain.Sale{}, err
			}
		}
	}

	commissions, total, err := p.calc.ComputeSale(ctx, tx, *sale)
	if err != nil {
		return domain.Sale{}, err
	}
	for _, c := range commissions {
		if err := tx.InsertCommission(ctx, c); err != nil {
			return domain.Sale{}, err
		}
	}

	now := p.now()
	sale.Status = domain.SaleStatusConfirmed
	sale.CommissionAmount = total
	sale.ConfirmedAt = &now
	sale.UpdatedAt = now
	if err := tx.UpdateSale(ctx, *sale); err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// reprice moves a consumption line to the package price the ledger debited
// at, which differs from the draft's price after a top-up.
func (p *Processor) reprice(ctx context.Context, tx store.Tx, line *domain.SaleLine, unitPrice decimal.Decimal) error {
	if line.UnitPrice.Equal(unitPrice) {
		return nil
	}
	gross := unitPrice.Mul(decimal.NewFromInt(line.Quantity))
	if line.Discount.GreaterThan(gross) {
		return fmt.Errorf("%w: line %d discount exceeds %s", domain.ErrInvalidSale, line.Position, gross)
	}
	line.UnitPrice = unitPrice
	line.LineTotal = gross.Sub(line.Discount)
	return tx.SetSaleLinePrice(ctx, line.ID, line.UnitPrice, line.LineTotal)
}

// Cancel undoes a confirmed sale's consumptions before revoking its grants,
// then voids its commissions. An open sale is only marked cancelled.
func (p *Processor) Cancel(ctx context.Context, tx store.Tx, saleID string, reason string) (domain.Sale, error) {
	sale, err := p.lockSale(ctx, tx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	if sale.Status == domain.SaleStatusCancelled {
		return domain.Sale{}, fmt.Errorf("%w: sale %s", domain.ErrAlreadyCancelled, sale.ID)
	}
	if !sale.Status.CanTransition(domain.SaleStatusCancelled) {
		return domain.Sale{}, fmt.Errorf("%w: %s to cancelled", domain.ErrInvalidTransition, sale.Status)
	}

	now := p.now()
	if sale.Status == domain.SaleStatusConfirmed {
		consumptions, err := tx.ListConsumptionsBySale(ctx, sale.ID)
		if err != nil {
			return domain.Sale{}, err
		}
		for _, c := range consumptions {
			if err := p.ledger.ReverseConsumption(ctx, tx, c.ID); err != nil {
				return domain.Sale{}, err
			}
		}

		grants, err := tx.ListGrantsBySale(ctx, sale.ID)
		if err != nil {
			return domain.Sale{}, err
		}
		for _, g := range grants {
			if g.RevokedAt != nil {
				continue
			}
			if err := p.ledger.RevokeGrant(ctx, tx, g.ID); err != nil {
				return domain.Sale{}, err
			}
		}

		if err := tx.VoidCommissions(ctx, sale.ID, now); err != nil {
			return domain.Sale{}, err
		}
		sale.CommissionAmount = decimal.Zero
	}

	sale.Status = domain.SaleStatusCancelled
	sale.CancelReason = strings.TrimSpace(reason)
	sale.CancelledAt = &now
	sale.UpdatedAt = now
	if err := tx.UpdateSale(ctx, *sale); err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// Refund records money returned on a confirmed sale. Package balances and
// commissions are left as they are.
func (p *Processor) Refund(ctx context.Context, tx store.Tx, req domain.SaleRefundRequest, actor string) (domain.Sale, domain.SaleRefund, error) {
	if !req.Amount.IsPositive() {
		return domain.Sale{}, domain.SaleRefund{}, fmt.Errorf("%w: refund amount must be positive", domain.ErrInvalidSale)
	}
	sale, err := p.lockSale(ctx, tx, req.SaleID)
	if err != nil {
		return domain.Sale{}, domain.SaleRefund{}, err
	}
	switch sale.Status {
	case domain.SaleStatusCancelled:
		return domain.Sale{}, domain.SaleRefund{}, fmt.Errorf("%w: sale %s", domain.ErrAlreadyCancelled, sale.ID)
	case domain.SaleStatusOpen:
		return domain.Sale{}, domain.SaleRefund{}, fmt.Errorf("%w: open sales cannot be refunded", domain.ErrInvalidTransition)
	}

	refunded := sale.RefundTotal.Add(req.Amount)
	if refunded.GreaterThan(sale.Total) {
		return domain.Sale{}, domain.SaleRefund{}, fmt.Errorf("%w: %s refunded of %s", domain.ErrRefundExceedsTotal, refunded, sale.Total)
	}

	refund := domain.SaleRefund{
		ID:        xid.New("rfd"),
		SaleID:    sale.ID,
		Amount:    req.Amount,
		Reason:    strings.TrimSpace(req.Reason),
		Actor:     actor,
		CreatedAt: p.now(),
	}
	if req.SaleLineID != "" {
		if err := p.checkLineRefund(ctx, tx, sale, req); err != nil {
			return domain.Sale{}, domain.SaleRefund{}, err
		}
		lineID := req.SaleLineID
		refund.SaleLineID = &lineID
	}
	if err := tx.InsertRefund(ctx, refund); err != nil {
		return domain.Sale{}, domain.SaleRefund{}, err
	}

	sale.RefundTotal = refunded
	sale.UpdatedAt = refund.CreatedAt
	if err := tx.UpdateSale(ctx, *sale); err != nil {
		return domain.Sale{}, domain.SaleRefund{}, err
	}
	return *sale, refund, nil
}

func (p *Processor) checkLineRefund(ctx context.Context, tx store.Tx, sale *domain.Sale, req domain.SaleRefundRequest) error {
	line, ok := lo.Find(sale.Lines, func(l domain.SaleLine) bool { return l.ID == req.SaleLineID })
	if !ok {
		return fmt.Errorf("%w: line %s is not on sale %s", domain.ErrInvalidSale, req.SaleLineID, sale.ID)
	}
	if line.Kind == domain.LineKindConsumption {
		return fmt.Errorf("%w: prepaid consumption lines carry no refundable amount", domain.ErrInvalidSale)
	}
	previous, err := tx.ListRefunds(ctx, sale.ID)
	if err != nil {
		return err
	}
	lineRefunded := lo.Reduce(previous, func(sum decimal.Decimal, r domain.SaleRefund, _ int) decimal.Decimal {
		if r.SaleLineID != nil && *r.SaleLineID == line.ID {
			return sum.Add(r.Amount)
		}
		return sum
	}, req.Amount)
	if lineRefunded.GreaterThan(line.LineTotal) {
		return fmt.Errorf("%w: line %d refunds %s of %s", domain.ErrRefundExceedsTotal, line.Position, lineRefunded, line.LineTotal)
	}
	return nil
}

func (p *Processor) lockSale(ctx context.Context, tx store.Tx, saleID string) (*domain.Sale, error) {
	sale, err := tx.LockSale(ctx, saleID)
	if err != nil {
		return nil, notFoundAs(err, domain.ErrUnknownSale, saleID)
	}
	return sale, nil
}

func notFoundAs(err error, sentinel error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", sentinel, id)
	}
	return err
}
