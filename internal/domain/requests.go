package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ClientCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type ServiceCreateRequest struct {
	Name      string          `json:"name"`
	BasePrice decimal.Decimal `json:"base_price"`
}

// SaleLineRequest.UnitPrice defaults to the service base price for plain and
// grant lines. Consumption lines are always valued at the package unit price.
type SaleLineRequest struct {
	Kind      LineKind         `json:"kind"`
	ServiceID string           `json:"service_id,omitempty"`
	PackageID string           `json:"package_id,omitempty"`
	Quantity  int64            `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
	Discount  decimal.Decimal  `json:"discount"`
}

type SaleCreateRequest struct {
	ClientID     string            `json:"client_id"`
	AttendantID  string            `json:"attendant_id"`
	BusinessDate string            `json:"business_date,omitempty"`
	Discount     decimal.Decimal   `json:"discount"`
	Notes        string            `json:"notes,omitempty"`
	Draft        bool              `json:"draft,omitempty"`
	Lines        []SaleLineRequest `json:"lines"`
}

type SaleCancelRequest struct {
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin"`
}

type SaleRefundRequest struct {
	SaleID     string          `json:"-"`
	SaleLineID string          `json:"sale_line_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
	ManagerPIN string          `json:"manager_pin"`
}

type SaleRefundResponse struct {
	Sale   Sale       `json:"sale"`
	Refund SaleRefund `json:"refund"`
}

// PackageGrantRequest is an administrative grant with no originating sale.
type PackageGrantRequest struct {
	ClientID  string          `json:"client_id"`
	ServiceID string          `json:"service_id"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Reason    string          `json:"reason"`
}

type PackageGrantResponse struct {
	Package ClientPackage `json:"package"`
	Grant   PackageGrant  `json:"grant"`
}

// PackageConsumeRequest debits a package through a one-line consumption sale.
type PackageConsumeRequest struct {
	PackageID    string `json:"package_id"`
	AttendantID  string `json:"attendant_id"`
	BusinessDate string `json:"business_date,omitempty"`
	Quantity     int64  `json:"quantity"`
	Notes        string `json:"notes,omitempty"`
}

type PackageConsumeResponse struct {
	Sale        Sale               `json:"sale"`
	Consumption PackageConsumption `json:"consumption"`
	Balance     Balance            `json:"balance"`
}

type PackageHistory struct {
	Package      ClientPackage        `json:"package"`
	Grants       []PackageGrant       `json:"grants"`
	Consumptions []PackageConsumption `json:"consumptions"`
	Adjustments  []LedgerAdjustment   `json:"adjustments"`
}

type PolicyCreateRequest struct {
	Classification LineKind        `json:"classification"`
	Method         PolicyMethod    `json:"method"`
	Rate           decimal.Decimal `json:"rate"`
	FlatAmount     decimal.Decimal `json:"flat_amount"`
	ValidFrom      string          `json:"valid_from"`
	ValidUntil     string          `json:"valid_until,omitempty"`
}

type PolicyRetireRequest struct {
	ValidUntil string `json:"valid_until"`
}

type CorrectionRequest struct {
	PackageID  string         `json:"-"`
	Mode       AdjustmentKind `json:"mode"`
	Reason     string         `json:"reason"`
	ManagerPIN string         `json:"manager_pin"`
}

type CorrectionResult struct {
	Adjustment LedgerAdjustment `json:"adjustment"`
	Package    ClientPackage    `json:"package"`
	Report     AuditReport      `json:"report"`
}

// AuditReport compares the stored counters of a package with the values
// recomputed from its grant, consumption and adjustment history.
type AuditReport struct {
	PackageID           string    `json:"package_id"`
	StoredInitial       int64     `json:"stored_initial"`
	StoredConsumed      int64     `json:"stored_consumed"`
	StoredAvailable     int64     `json:"stored_available"`
	RecomputedInitial   int64     `json:"recomputed_initial"`
	RecomputedConsumed  int64     `json:"recomputed_consumed"`
	RecomputedAvailable int64     `json:"recomputed_available"`
	Divergence          int64     `json:"divergence"`
	AuditedAt           time.Time `json:"audited_at"`
}

func (r AuditReport) Diverged() bool {
	return r.Divergence != 0 ||
		r.StoredInitial != r.RecomputedInitial ||
		r.StoredConsumed != r.RecomputedConsumed
}

// Err returns a *LedgerDivergenceError when the report diverged.
func (r AuditReport) Err() error {
	if !r.Diverged() {
		return nil
	}
	return &LedgerDivergenceError{
		PackageID:           r.PackageID,
		StoredAvailable:     r.StoredAvailable,
		RecomputedAvailable: r.RecomputedAvailable,
		Divergence:          r.Divergence,
	}
}

type AuditSummary struct {
	Packages  int           `json:"packages"`
	Diverged  int           `json:"diverged"`
	Reports   []AuditReport `json:"reports"`
	AuditedAt time.Time     `json:"audited_at"`
}

type CommissionReport struct {
	AttendantID string          `json:"attendant_id,omitempty"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Total       decimal.Decimal `json:"total"`
	Commissions []Commission    `json:"commissions"`
}
