package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"salesledger/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrConflict marks a serialization failure or a lost insert race. The
	// whole operation may be retried.
	ErrConflict  = errors.New("concurrent update conflict")
	ErrDuplicate = errors.New("duplicate record")
)

type CommissionFilter struct {
	AttendantID string
	From        time.Time
	To          time.Time
	Status      domain.CommissionStatus
}

// Reader holds the read side shared by repositories and open transactions.
type Reader interface {
	GetClient(ctx context.Context, id string) (*domain.Client, error)
	ListClients(ctx context.Context) ([]domain.Client, error)
	GetService(ctx context.Context, id string) (*domain.Service, error)
	ListServices(ctx context.Context) ([]domain.Service, error)
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)

	GetPackage(ctx context.Context, id string) (*domain.ClientPackage, error)
	ListPackages(ctx context.Context, clientID string) ([]domain.ClientPackage, error)
	GetGrant(ctx context.Context, id string) (*domain.PackageGrant, error)
	FindGrantBySaleLine(ctx context.Context, saleLineID string) (*domain.PackageGrant, error)
	ListGrantsByPackage(ctx context.Context, packageID string) ([]domain.PackageGrant, error)
	ListGrantsBySale(ctx context.Context, saleID string) ([]domain.PackageGrant, error)
	GetConsumption(ctx context.Context, id string) (*domain.PackageConsumption, error)
	ListConsumptionsByPackage(ctx context.Context, packageID string) ([]domain.PackageConsumption, error)
	ListConsumptionsBySale(ctx context.Context, saleID string) ([]domain.PackageConsumption, error)
	ListAdjustments(ctx context.Context, packageID string) ([]domain.LedgerAdjustment, error)

	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListRefunds(ctx context.Context, saleID string) ([]domain.SaleRefund, error)

	GetPolicy(ctx context.Context, id string) (*domain.CommissionPolicy, error)
	ListPolicies(ctx context.Context, classification domain.LineKind) ([]domain.CommissionPolicy, error)
	ListCommissionsBySale(ctx context.Context, saleID string) ([]domain.Commission, error)
	ListCommissions(ctx context.Context, filter CommissionFilter) ([]domain.Commission, error)
}

// Tx is one serializable unit of work. Package counters are only written
// through UpdatePackageCounters, which derives available_quantity itself.
type Tx interface {
	Reader

	InsertClient(ctx context.Context, client domain.Client) error
	InsertService(ctx context.Context, service domain.Service) error

	LockPackage(ctx context.Context, id string) (*domain.ClientPackage, error)
	LockActivePackage(ctx context.Context, clientID string, serviceID string) (*domain.ClientPackage, error)
	InsertPackage(ctx context.Context, pkg domain.ClientPackage) error
	UpdatePackageCounters(ctx context.Context, id string, initial int64, consumed int64, unitPrice decimal.Decimal, active bool, at time.Time) error
	InsertGrant(ctx context.Context, grant domain.PackageGrant) error
	RevokeGrant(ctx context.Context, id string, at time.Time) error
	InsertConsumption(ctx context.Context, consumption domain.PackageConsumption) error
	DeleteConsumption(ctx context.Context, id string) error
	InsertAdjustment(ctx context.Context, adjustment domain.LedgerAdjustment) error

	LockSale(ctx context.Context, id string) (*domain.Sale, error)
	InsertSale(ctx context.Context, sale domain.Sale) error
	UpdateSale(ctx context.Context, sale domain.Sale) error
	SetSaleLinePackage(ctx context.Context, lineID string, packageID string) error
	SetSaleLinePrice(ctx context.Context, lineID string, unitPrice decimal.Decimal, lineTotal decimal.Decimal) error
	InsertRefund(ctx context.Context, refund domain.SaleRefund) error

	InsertPolicy(ctx context.Context, policy domain.CommissionPolicy) error
	SetPolicyValidUntil(ctx context.Context, id string, validUntil time.Time) error
	InsertCommission(ctx context.Context, commission domain.Commission) error
	VoidCommissions(ctx context.Context, saleID string, at time.Time) error
}

type Repository interface {
	Reader

	// WithTx runs fn in one transaction. Any error from fn rolls back every
	// write made through tx.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error

	Close() error
}
