package commission

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"salesledger/backend/internal/domain"
	"salesledger/backend/internal/policy"
	"salesledger/backend/internal/xid"
)

const DefaultMinorUnits int32 = 2

var hundred = decimal.NewFromInt(100)

type Calculator struct {
	resolver *policy.Resolver
	places   int32
	now      func() time.Time
}

// NewCalculator rounds every amount to places decimal digits, half away from
// zero.
func NewCalculator(resolver *policy.Resolver, places int32) *Calculator {
	if places < 0 {
		places = DefaultMinorUnits
	}
	return &Calculator{
		resolver: resolver,
		places:   places,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Amount applies p to a line. Rate policies take a percentage of the line
// total; flat policies pay a fixed amount per unit.
func (c *Calculator) Amount(p domain.CommissionPolicy, line domain.SaleLine) (decimal.Decimal, error) {
	var raw decimal.Decimal
	switch p.Method {
	case domain.PolicyMethodRate:
		raw = line.LineTotal.Mul(p.Rate).Div(hundred)
	case domain.PolicyMethodFlat:
		raw = p.FlatAmount.Mul(decimal.NewFromInt(line.Quantity))
	default:
		return decimal.Zero, fmt.Errorf("policy %s has unknown method %q", p.ID, p.Method)
	}
	return raw.Round(c.places), nil
}

// ComputeLine prices one line under the policy in force on the sale's
// business date.
func (c *Calculator) ComputeLine(ctx context.Context, src policy.Source, sale domain.Sale, line domain.SaleLine) (domain.Commission, error) {
	p, err := c.resolver.Resolve(ctx, src, line.Kind, sale.BusinessDate)
	if err != nil {
		return domain.Commission{}, fmt.Errorf("line %d: %w", line.Position, err)
	}
	amount, err := c.Amount(p, line)
	if err != nil {
		return domain.Commission{}, err
	}
	return domain.Commission{
		ID:             xid.New("com"),
		SaleID:         sale.ID,
		SaleLineID:     line.ID,
		AttendantID:    sale.AttendantID,
		PolicyID:       p.ID,
		Classification: line.Kind,
		ReferenceDate:  sale.BusinessDate,
		BaseAmount:     line.LineTotal,
		Amount:         amount,
		Status:         domain.CommissionActive,
		CreatedAt:      c.now(),
	}, nil
}

// ComputeSale returns one commission per line and their sum. The first line
// without a resolvable policy fails the whole sale.
func (c *Calculator) ComputeSale(ctx context.Context, src policy.Source, sale domain.Sale) ([]domain.Commission, decimal.Decimal, error) {
	commissions := make([]domain.Commission, 0, len(sale.Lines))
	total := decimal.Zero
	for _, line := range sale.Lines {
		commission, err := c.ComputeLine(ctx, src, sale, line)
		if err != nil {
			return nil, decimal.Zero, err
		}
		commissions = append(commissions, commission)
		total = total.Add(commission.Amount)
	}
	return commissions, total, nil
}
