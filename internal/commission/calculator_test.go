package commission

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesledger/backend/internal/domain"
	"salesledger/backend/internal/policy"
)

type staticSource []domain.CommissionPolicy

func (s staticSource) ListPolicies(_ context.Context, kind domain.LineKind) ([]domain.CommissionPolicy, error) {
	var out []domain.CommissionPolicy
	for _, p := range s {
		if p.Classification == kind {
			out = append(out, p)
		}
	}
	return out, nil
}

func date(t *testing.T, raw string) time.Time {
	t.Helper()
	d, err := domain.ParseDate(raw)
	require.NoError(t, err)
	return d
}

func dec(raw string) decimal.Decimal {
	return decimal.RequireFromString(raw)
}

func newCalculator() *Calculator {
	return NewCalculator(policy.NewResolver(nil, time.Minute, nil), DefaultMinorUnits)
}

func TestRateAmountRoundsToMinorUnit(t *testing.T) {
	c := newCalculator()
	p := domain.CommissionPolicy{ID: "pol", Method: domain.PolicyMethodRate, Rate: dec("10")}

	got, err := c.Amount(p, domain.SaleLine{Quantity: 1, LineTotal: dec("33.33")})
	require.NoError(t, err)
	assert.Equal(t, "3.33", got.StringFixed(2))

	got, err = c.Amount(p, domain.SaleLine{Quantity: 1, LineTotal: dec("0.25")})
	require.NoError(t, err)
	assert.Equal(t, "0.03", got.StringFixed(2), "0.025 rounds half up")
}

func TestFlatAmountIsPerUnit(t *testing.T) {
	c := newCalculator()
	p := domain.CommissionPolicy{ID: "pol", Method: domain.PolicyMethodFlat, FlatAmount: dec("1.50")}

	got, err := c.Amount(p, domain.SaleLine{Quantity: 4, LineTotal: dec("999")})
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("6.00")), got.String())
}

func TestZeroMinorUnits(t *testing.T) {
	c := NewCalculator(policy.NewResolver(nil, time.Minute, nil), 0)
	p := domain.CommissionPolicy{ID: "pol", Method: domain.PolicyMethodRate, Rate: dec("15")}

	got, err := c.Amount(p, domain.SaleLine{Quantity: 1, LineTotal: dec("1010")})
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("152")), got.String())
}

func TestComputeSaleUsesBusinessDate(t *testing.T) {
	feb1 := date(t, "2024-02-01")
	src := staticSource{
		{ID: "pol-old", Classification: domain.LineKindPlain, Method: domain.PolicyMethodRate, Rate: dec("10"),
			ValidFrom: date(t, "2024-01-01"), ValidUntil: &feb1},
		{ID: "pol-new", Classification: domain.LineKindPlain, Method: domain.PolicyMethodRate, Rate: dec("20"),
			ValidFrom: date(t, "2024-02-01")},
		{ID: "pol-grant", Classification: domain.LineKindGrant, Method: domain.PolicyMethodFlat, FlatAmount: dec("0.50"),
			ValidFrom: date(t, "2024-01-01")},
	}
	sale := domain.Sale{
		ID:           "sale-1",
		AttendantID:  "attendant",
		BusinessDate: date(t, "2024-01-31"),
		CreatedAt:    date(t, "2024-02-03"),
		Lines: []domain.SaleLine{
			{ID: "line-1", Position: 1, Kind: domain.LineKindPlain, Quantity: 1, LineTotal: dec("100")},
			{ID: "line-2", Position: 2, Kind: domain.LineKindGrant, Quantity: 10, LineTotal: dec("20")},
		},
	}

	commissions, total, err := newCalculator().ComputeSale(context.Background(), src, sale)
	require.NoError(t, err)
	require.Len(t, commissions, 2)

	assert.Equal(t, "pol-old", commissions[0].PolicyID)
	assert.True(t, commissions[0].Amount.Equal(dec("10")))
	assert.Equal(t, "attendant", commissions[0].AttendantID)
	assert.Equal(t, sale.BusinessDate, commissions[0].ReferenceDate)
	assert.Equal(t, domain.CommissionActive, commissions[0].Status)

	assert.Equal(t, "pol-grant", commissions[1].PolicyID)
	assert.True(t, commissions[1].Amount.Equal(dec("5")))

	assert.True(t, total.Equal(dec("15")), total.String())
}

func TestComputeSaleFailsWithoutPolicy(t *testing.T) {
	sale := domain.Sale{
		ID:           "sale-1",
		BusinessDate: date(t, "2024-01-31"),
		Lines: []domain.SaleLine{
			{ID: "line-1", Position: 1, Kind: domain.LineKindConsumption, Quantity: 1, LineTotal: dec("10")},
		},
	}

	_, _, err := newCalculator().ComputeSale(context.Background(), staticSource{}, sale)
	assert.ErrorIs(t, err, domain.ErrNoApplicablePolicy)
}
