package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientBalance = errors.New("insufficient package balance")
	ErrUnknownPackage      = errors.New("unknown package")
	ErrUnknownPolicy       = errors.New("unknown commission policy")
	ErrNoApplicablePolicy  = errors.New("no applicable commission policy")
	ErrAmbiguousPolicy     = errors.New("ambiguous commission policy")
	ErrAlreadyCancelled    = errors.New("already cancelled")
	ErrLedgerDivergence    = errors.New("ledger divergence")

	ErrUnknownClient      = errors.New("unknown client")
	ErrUnknownService     = errors.New("unknown service")
	ErrUnknownSale        = errors.New("unknown sale")
	ErrUnknownAttendant   = errors.New("unknown attendant")
	ErrDuplicateGrant     = errors.New("sale line already granted")
	ErrPackageInactive    = errors.New("package is inactive")
	ErrInvalidTransition  = errors.New("invalid sale status transition")
	ErrInvalidSale        = errors.New("invalid sale")
	ErrRefundExceedsTotal = errors.New("refund exceeds sale total")
	ErrPolicyOverlap      = errors.New("commission policy overlaps an existing window")
	ErrNoDivergence       = errors.New("package has no divergence to correct")
)

type InsufficientBalanceError struct {
	PackageID string
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient package balance: package %s has %d available, %d requested",
		e.PackageID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// LedgerDivergenceError is advisory. It is reported by audits and never
// resolved without an explicit correction.
type LedgerDivergenceError struct {
	PackageID           string
	StoredAvailable     int64
	RecomputedAvailable int64
	Divergence          int64
}

func (e *LedgerDivergenceError) Error() string {
	return fmt.Sprintf("ledger divergence: package %s stores %d available, history gives %d (divergence %d)",
		e.PackageID, e.StoredAvailable, e.RecomputedAvailable, e.Divergence)
}

func (e *LedgerDivergenceError) Unwrap() error {
	return ErrLedgerDivergence
}
