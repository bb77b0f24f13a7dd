package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin     = "admin"
	RoleAttendant = "attendant"
	RoleSystem    = "system"
)

// LineKind is the explicit classification tag carried by every sale line.
type LineKind string

const (
	LineKindPlain       LineKind = "plain"
	LineKindGrant       LineKind = "package_grant"
	LineKindConsumption LineKind = "package_consumption"
)

func (k LineKind) Valid() bool {
	switch k {
	case LineKindPlain, LineKindGrant, LineKindConsumption:
		return true
	default:
		return false
	}
}

type SaleStatus string

const (
	SaleStatusOpen      SaleStatus = "open"
	SaleStatusConfirmed SaleStatus = "confirmed"
	SaleStatusCancelled SaleStatus = "cancelled"
)

// CanTransition reports whether a sale may move from s to next.
// Cancelled is terminal.
func (s SaleStatus) CanTransition(next SaleStatus) bool {
	switch s {
	case SaleStatusOpen:
		return next == SaleStatusConfirmed || next == SaleStatusCancelled
	case SaleStatusConfirmed:
		return next == SaleStatusCancelled
	default:
		return false
	}
}

type GrantSource string

const (
	GrantSourceSale           GrantSource = "sale"
	GrantSourceAdministrative GrantSource = "administrative"
)

type AdjustmentKind string

const (
	AdjustmentResync AdjustmentKind = "resync"
	AdjustmentAdopt  AdjustmentKind = "adopt"
)

func (k AdjustmentKind) Valid() bool {
	return k == AdjustmentResync || k == AdjustmentAdopt
}

type PolicyMethod string

const (
	PolicyMethodRate PolicyMethod = "rate"
	PolicyMethodFlat PolicyMethod = "flat"
)

type CommissionStatus string

const (
	CommissionActive CommissionStatus = "active"
	CommissionVoid   CommissionStatus = "void"
)

type Client struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Phone     *string   `db:"phone" json:"phone,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type Service struct {
	ID        string          `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	BasePrice decimal.Decimal `db:"base_price" json:"base_price"`
	Active    bool            `db:"active" json:"active"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// ClientPackage is a prepaid credit account. AvailableQuantity is always
// InitialQuantity - ConsumedQuantity and is never written on its own.
type ClientPackage struct {
	ID                string          `db:"id" json:"id"`
	ClientID          string          `db:"client_id" json:"client_id"`
	ServiceID         string          `db:"service_id" json:"service_id"`
	InitialQuantity   int64           `db:"initial_quantity" json:"initial_quantity"`
	ConsumedQuantity  int64           `db:"consumed_quantity" json:"consumed_quantity"`
	AvailableQuantity int64           `db:"available_quantity" json:"available_quantity"`
	UnitPrice         decimal.Decimal `db:"unit_price" json:"unit_price"`
	Active            bool            `db:"active" json:"active"`
	OriginSaleID      *string         `db:"origin_sale_id" json:"origin_sale_id,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

type Balance struct {
	PackageID string `json:"package_id"`
	Initial   int64  `json:"initial"`
	Consumed  int64  `json:"consumed"`
	Available int64  `json:"available"`
}

type Sale struct {
	ID               string          `db:"id" json:"id"`
	ClientID         string          `db:"client_id" json:"client_id"`
	AttendantID      string          `db:"attendant_id" json:"attendant_id"`
	BusinessDate     time.Time       `db:"business_date" json:"business_date"`
	Status           SaleStatus      `db:"status" json:"status"`
	Subtotal         decimal.Decimal `db:"subtotal" json:"subtotal"`
	Discount         decimal.Decimal `db:"discount" json:"discount"`
	Total            decimal.Decimal `db:"total" json:"total"`
	RefundTotal      decimal.Decimal `db:"refund_total" json:"refund_total"`
	CommissionAmount decimal.Decimal `db:"commission_amount" json:"commission_amount"`
	Notes            string          `db:"notes" json:"notes,omitempty"`
	CancelReason     string          `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	ConfirmedAt      *time.Time      `db:"confirmed_at" json:"confirmed_at,omitempty"`
	CancelledAt      *time.Time      `db:"cancelled_at" json:"cancelled_at,omitempty"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
	Lines            []SaleLine      `db:"-" json:"lines"`
}

// SaleLine.PackageID is the debited package for consumption lines and the
// resulting package for grant lines once the sale is confirmed.
type SaleLine struct {
	ID        string          `db:"id" json:"id"`
	SaleID    string          `db:"sale_id" json:"sale_id"`
	Position  int             `db:"position" json:"position"`
	Kind      LineKind        `db:"kind" json:"kind"`
	ServiceID string          `db:"service_id" json:"service_id"`
	PackageID *string         `db:"package_id" json:"package_id,omitempty"`
	Quantity  int64           `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
	Discount  decimal.Decimal `db:"discount" json:"discount"`
	LineTotal decimal.Decimal `db:"line_total" json:"line_total"`
}

type PackageGrant struct {
	ID         string          `db:"id" json:"id"`
	PackageID  string          `db:"package_id" json:"package_id"`
	Source     GrantSource     `db:"source" json:"source"`
	SaleID     *string         `db:"sale_id" json:"sale_id,omitempty"`
	SaleLineID *string         `db:"sale_line_id" json:"sale_line_id,omitempty"`
	Reason     string          `db:"reason" json:"reason,omitempty"`
	Actor      string          `db:"actor" json:"actor"`
	Quantity   int64           `db:"quantity" json:"quantity"`
	UnitPrice  decimal.Decimal `db:"unit_price" json:"unit_price"`
	RevokedAt  *time.Time      `db:"revoked_at" json:"revoked_at,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

type PackageConsumption struct {
	ID         string          `db:"id" json:"id"`
	PackageID  string          `db:"package_id" json:"package_id"`
	SaleID     string          `db:"sale_id" json:"sale_id"`
	SaleLineID string          `db:"sale_line_id" json:"sale_line_id"`
	Quantity   int64           `db:"quantity" json:"quantity"`
	UnitPrice  decimal.Decimal `db:"unit_price" json:"unit_price"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	// SaleStatus is filled by package history reads only.
	SaleStatus SaleStatus `db:"sale_status" json:"sale_status,omitempty"`
}

// LedgerAdjustment records an explicit correction. Deltas are applied to the
// stored counters for resync; for adopt the counters stay and the deltas
// become part of the package history.
type LedgerAdjustment struct {
	ID             string         `db:"id" json:"id"`
	PackageID      string         `db:"package_id" json:"package_id"`
	Kind           AdjustmentKind `db:"kind" json:"kind"`
	InitialDelta   int64          `db:"initial_delta" json:"initial_delta"`
	ConsumedDelta  int64          `db:"consumed_delta" json:"consumed_delta"`
	StoredInitial  int64          `db:"stored_initial" json:"stored_initial"`
	StoredConsumed int64          `db:"stored_consumed" json:"stored_consumed"`
	Reason         string         `db:"reason" json:"reason"`
	Actor          string         `db:"actor" json:"actor"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// CommissionPolicy is effective on [ValidFrom, ValidUntil). A nil ValidUntil
// is open-ended. Rate is a percentage.
type CommissionPolicy struct {
	ID             string          `db:"id" json:"id"`
	Classification LineKind        `db:"classification" json:"classification"`
	Method         PolicyMethod    `db:"method" json:"method"`
	Rate           decimal.Decimal `db:"rate" json:"rate"`
	FlatAmount     decimal.Decimal `db:"flat_amount" json:"flat_amount"`
	ValidFrom      time.Time       `db:"valid_from" json:"valid_from"`
	ValidUntil     *time.Time      `db:"valid_until" json:"valid_until,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

func (p CommissionPolicy) Covers(day time.Time) bool {
	if day.Before(p.ValidFrom) {
		return false
	}
	return p.ValidUntil == nil || day.Before(*p.ValidUntil)
}

func (p CommissionPolicy) Overlaps(other CommissionPolicy) bool {
	if p.Classification != other.Classification {
		return false
	}
	startsBeforeOtherEnds := other.ValidUntil == nil || p.ValidFrom.Before(*other.ValidUntil)
	otherStartsBeforeEnd := p.ValidUntil == nil || other.ValidFrom.Before(*p.ValidUntil)
	return startsBeforeOtherEnds && otherStartsBeforeEnd
}

type Commission struct {
	ID             string           `db:"id" json:"id"`
	SaleID         string           `db:"sale_id" json:"sale_id"`
	SaleLineID     string           `db:"sale_line_id" json:"sale_line_id"`
	AttendantID    string           `db:"attendant_id" json:"attendant_id"`
	PolicyID       string           `db:"policy_id" json:"policy_id"`
	Classification LineKind         `db:"classification" json:"classification"`
	ReferenceDate  time.Time        `db:"reference_date" json:"reference_date"`
	BaseAmount     decimal.Decimal  `db:"base_amount" json:"base_amount"`
	Amount         decimal.Decimal  `db:"amount" json:"amount"`
	Status         CommissionStatus `db:"status" json:"status"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	VoidedAt       *time.Time       `db:"voided_at" json:"voided_at,omitempty"`
}

type SaleRefund struct {
	ID         string          `db:"id" json:"id"`
	SaleID     string          `db:"sale_id" json:"sale_id"`
	SaleLineID *string         `db:"sale_line_id" json:"sale_line_id,omitempty"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	Reason     string          `db:"reason" json:"reason"`
	Actor      string          `db:"actor" json:"actor"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
// Attendants on sales reference a username.
type UserAccount struct {
	Username  string    `db:"username"`
	Password  string    `db:"password"`
	Role      string    `db:"role"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type AuditLog struct {
	ID            string    `db:"id" json:"id"`
	ActorUsername string    `db:"actor_username" json:"actor_username"`
	ActorRole     string    `db:"actor_role" json:"actor_role"`
	Action        string    `db:"action" json:"action"`
	EntityType    string    `db:"entity_type" json:"entity_type"`
	EntityID      string    `db:"entity_id" json:"entity_id"`
	Detail        string    `db:"detail" json:"detail"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}
