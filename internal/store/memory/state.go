package memory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"salesledger/backend/internal/domain"
	"salesledger/backend/internal/store"
)

type state struct {
	clients      map[string]domain.Client
	services     map[string]domain.Service
	packages     map[string]domain.ClientPackage
	grants       map[string]domain.PackageGrant
	consumptions map[string]domain.PackageConsumption
	adjustments  map[string]domain.LedgerAdjustment
	sales        map[string]domain.Sale
	refunds      map[string]domain.SaleRefund
	policies     map[string]domain.CommissionPolicy
	commissions  map[string]domain.Commission
}

func newState() *state {
	return &state{
		clients:      make(map[string]domain.Client),
		services:     make(map[string]domain.Service),
		packages:     make(map[string]domain.ClientPackage),
		grants:       make(map[string]domain.PackageGrant),
		consumptions: make(map[string]domain.PackageConsumption),
		adjustments:  make(map[string]domain.LedgerAdjustment),
		sales:        make(map[string]domain.Sale),
		refunds:      make(map[string]domain.SaleRefund),
		policies:     make(map[string]domain.CommissionPolicy),
		commissions:  make(map[string]domain.Commission),
	}
}

// clone copies every table, so each transaction costs time proportional to
// the whole store. Fine for development and tests; use sqlite or postgres for
// real volumes.
func (st *state) clone() *state {
	sales := make(map[string]domain.Sale, len(st.sales))
	for id, sale := range st.sales {
		sales[id] = cloneSale(sale)
	}
	return &state{
		clients:      maps.Clone(st.clients),
		services:     maps.Clone(st.services),
		packages:     maps.Clone(st.packages),
		grants:       maps.Clone(st.grants),
		consumptions: maps.Clone(st.consumptions),
		adjustments:  maps.Clone(st.adjustments),
		sales:        sales,
		refunds:      maps.Clone(st.refunds),
		policies:     maps.Clone(st.policies),
		commissions:  maps.Clone(st.commissions),
	}
}

func cloneSale(src domain.Sale) domain.Sale {
	dst := src
	dst.Lines = slices.Clone(src.Lines)
	return dst
}

func (st *state) GetClient(_ context.Context, id string) (*domain.Client, error) {
	client, ok := st.clients[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &client, nil
}

func (st *state) ListClients(_ context.Context) ([]domain.Client, error) {
	clients := slices.Collect(maps.Values(st.clients))
	slices.SortFunc(clients, func(a, b domain.Client) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return clients, nil
}

func (st *state) GetService(_ context.Context, id string) (*domain.Service, error) {
	svc, ok := st.services[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &svc, nil
}

func (st *state) ListServices(_ context.Context) ([]domain.Service, error) {
	services := slices.Collect(maps.Values(st.services))
	slices.SortFunc(services, func(a, b domain.Service) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return services, nil
}

func (st *state) GetPackage(_ context.Context, id string) (*domain.ClientPackage, error) {
	pkg, ok := st.packages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &pkg, nil
}

func (st *state) ListPackages(_ context.Context, clientID string) ([]domain.ClientPackage, error) {
	packages := make([]domain.ClientPackage, 0, len(st.packages))
	for _, pkg := range st.packages {
		if clientID != "" && pkg.ClientID != clientID {
			continue
		}
		packages = append(packages, pkg)
	}
	slices.SortFunc(packages, func(a, b domain.ClientPackage) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return packages, nil
}

func (st *state) GetGrant(_ context.Context, id string) (*domain.PackageGrant, error) {
	grant, ok := st.grants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &grant, nil
}

func (st *state) FindGrantBySaleLine(_ context.Context, saleLineID string) (*domain.PackageGrant, error) {
	for _, grant := range st.grants {
		if grant.SaleLineID != nil && *grant.SaleLineID == saleLineID {
			return &grant, nil
		}
	}
	return nil, store.ErrNotFound
}

func (st *state) ListGrantsByPackage(_ context.Context, packageID string) ([]domain.PackageGrant, error) {
	return st.filterGrants(func(g domain.PackageGrant) bool { return g.PackageID == packageID }), nil
}

func (st *state) ListGrantsBySale(_ context.Context, saleID string) ([]domain.PackageGrant, error) {
	return st.filterGrants(func(g domain.PackageGrant) bool { return g.SaleID != nil && *g.SaleID == saleID }), nil
}

func (st *state) filterGrants(keep func(domain.PackageGrant) bool) []domain.PackageGrant {
	grants := make([]domain.PackageGrant, 0, 8)
	for _, grant := range st.grants {
		if keep(grant) {
			grants = append(grants, grant)
		}
	}
	slices.SortFunc(grants, func(a, b domain.PackageGrant) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return grants
}

func (st *state) GetConsumption(_ context.Context, id string) (*domain.PackageConsumption, error) {
	consumption, ok := st.consumptions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	consumption.SaleStatus = st.sales[consumption.SaleID].Status
	return &consumption, nil
}

func (st *state) ListConsumptionsByPackage(_ context.Context, packageID string) ([]domain.PackageConsumption, error) {
	return st.filterConsumptions(func(c domain.PackageConsumption) bool { return c.PackageID == packageID }), nil
}

func (st *state) ListConsumptionsBySale(_ context.Context, saleID string) ([]domain.PackageConsumption, error) {
	return st.filterConsumptions(func(c domain.PackageConsumption) bool { return c.SaleID == saleID }), nil
}

func (st *state) filterConsumptions(keep func(domain.PackageConsumption) bool) []domain.PackageConsumption {
	consumptions := make([]domain.PackageConsumption, 0, 8)
	for _, consumption := range st.consumptions {
		if !keep(consumption) {
			continue
		}
		consumption.SaleStatus = st.sales[consumption.SaleID].Status
		consumptions = append(consumptions, consumption)
	}
	slices.SortFunc(consumptions, func(a, b domain.PackageConsumption) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return consumptions
}

func (st *state) ListAdjustments(_ context.Context, packageID string) ([]domain.LedgerAdjustment, error) {
	adjustments := make([]domain.LedgerAdjustment, 0, 4)
	for _, adj := range st.adjustments {
		if adj.PackageID == packageID {
			adjustments = append(adjustments, adj)
		}
	}
	slices.SortFunc(adjustments, func(a, b domain.LedgerAdjustment) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return adjustments, nil
}

func (st *state) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	sale, ok := st.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale = cloneSale(sale)
	return &sale, nil
}

func (st *state) ListRefunds(_ context.Context, saleID string) ([]domain.SaleRefund, error) {
	refunds := make([]domain.SaleRefund, 0, 4)
	for _, refund := range st.refunds {
		if refund.SaleID == saleID {
			refunds = append(refunds, refund)
		}
	}
	slices.SortFunc(refunds, func(a, b domain.SaleRefund) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return refunds, nil
}

func (st *state) GetPolicy(_ context.Context, id string) (*domain.CommissionPolicy, error) {
	policy, ok := st.policies[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &policy, nil
}

func (st *state) ListPolicies(_ context.Context, classification domain.LineKind) ([]domain.CommissionPolicy, error) {
	policies := make([]domain.CommissionPolicy, 0, len(st.policies))
	for _, policy := range st.policies {
		if classification != "" && policy.Classification != classification {
			continue
		}
		policies = append(policies, policy)
	}
	slices.SortFunc(policies, func(a, b domain.CommissionPolicy) int {
		return cmp.Or(
			cmp.Compare(a.Classification, b.Classification),
			a.ValidFrom.Compare(b.ValidFrom),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return policies, nil
}

func (st *state) ListCommissionsBySale(_ context.Context, saleID string) ([]domain.Commission, error) {
	return st.filterCommissions(func(c domain.Commission) bool { return c.SaleID == saleID }), nil
}

func (st *state) ListCommissions(_ context.Context, filter store.CommissionFilter) ([]domain.Commission, error) {
	return st.filterCommissions(func(c domain.Commission) bool {
		if filter.AttendantID != "" && c.AttendantID != filter.AttendantID {
			return false
		}
		if filter.Status != "" && c.Status != filter.Status {
			return false
		}
		if !filter.From.IsZero() && c.ReferenceDate.Before(filter.From) {
			return false
		}
		if !filter.To.IsZero() && !c.ReferenceDate.Before(filter.To) {
			return false
		}
		return true
	}), nil
}

func (st *state) filterCommissions(keep func(domain.Commission) bool) []domain.Commission {
	commissions := make([]domain.Commission, 0, 8)
	for _, commission := range st.commissions {
		if keep(commission) {
			commissions = append(commissions, commission)
		}
	}
	slices.SortFunc(commissions, func(a, b domain.Commission) int {
		return cmp.Or(
			a.ReferenceDate.Compare(b.ReferenceDate),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return commissions
}

func (st *state) InsertClient(_ context.Context, client domain.Client) error {
	if client.ID == "" || client.Name == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := st.clients[client.ID]; exists {
		return store.ErrDuplicate
	}
	st.clients[client.ID] = client
	return nil
}

func (st *state) InsertService(_ context.Context, svc domain.Service) error {
	if svc.ID == "" || svc.Name == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := st.services[svc.ID]; exists {
		return store.ErrDuplicate
	}
	st.services[svc.ID] = svc
	return nil
}

func (st *state) LockPackage(ctx context.Context, id string) (*domain.ClientPackage, error) {
	return st.GetPackage(ctx, id)
}

func (st *state) LockActivePackage(_ context.Context, clientID string, serviceID string) (*domain.ClientPackage, error) {
	for _, pkg := range st.packages {
		if pkg.Active && pkg.ClientID == clientID && pkg.ServiceID == serviceID {
			return &pkg, nil
		}
	}
	return nil, store.ErrNotFound
}

func (st *state) InsertPackage(_ context.Context, pkg domain.ClientPackage) error {
	if pkg.ID == "" || pkg.InitialQuantity < 0 || pkg.ConsumedQuantity < 0 || pkg.ConsumedQuantity > pkg.InitialQuantity {
		return store.ErrInvalidTransaction
	}
	if _, exists := st.packages[pkg.ID]; exists {
		return store.ErrDuplicate
	}
	if pkg.Active {
		for _, other := range st.packages {
			if other.Active && other.ClientID == pkg.ClientID && other.ServiceID == pkg.ServiceID {
				return store.ErrDuplicate
			}
		}
	}
	pkg.AvailableQuantity = pkg.InitialQuantity - pkg.ConsumedQuantity
	st.packages[pkg.ID] = pkg
	return nil
}

func (st *state) UpdatePackageCounters(_ context.Context, id string, initial int64, consumed int64, unitPrice decimal.Decimal, active bool, at time.Time) error {
	pkg, ok := st.packages[id]
	if !ok {
		return store.ErrNotFound
	}
	if consumed < 0 || initial < consumed {
		return store.ErrInvalidTransaction
	}
	pkg.InitialQuantity = initial
	pkg.ConsumedQuantity = consumed
	pkg.AvailableQuantity = initial - consumed
	pkg.UnitPrice = unitPrice
	pkg.Active = active
	pkg.UpdatedAt = at
	st.packages[id] = pkg
	return nil
}

func (st *state) InsertGrant(_ context.Context, grant domain.PackageGrant) error {
	if grant.ID == "" || grant.Quantity < 1 {
		return store.ErrInvalidTransaction
	}
	if _, exists := st.grants[grant.ID]; exists {
		return store.ErrDuplicate
	}
	if grant.SaleLineID != nil {
		for _, other := range st.grants {
			if other.SaleLineID != nil && *other.SaleLineID == *grant.SaleLineID {
				return store.ErrDuplicate
			}
		}
	}
	st.grants[grant.ID] = grant
	return nil
}

func (st *state) RevokeGrant(_ context.Context, id string, at time.Time) error {
	grant, ok := st.grants[id]
	if !ok || grant.RevokedAt != nil {
		return store.ErrNotFound
	}
	grant.RevokedAt = &at
	st.grants[id] = grant
	return nil
}

func (st *state) InsertConsumption(_ context.Context, consumption domain.PackageConsumption) error {
	if consumption.ID == "" || consumption.Quantity < 1 || consumption.SaleLineID == "" {
		return store.ErrInvalidTransaction
	}
	for _, other := range st.consumptions {
		if other.ID == consumption.ID || other.SaleLineID == consumption.SaleLineID {
			return store.ErrDuplicate
		}
	}
	consumption.SaleStatus = ""
	st.consumptions[consumption.ID] = consumption
	return nil
}

func (st *state) DeleteConsumption(_ context.Context, id string) error {
	if _, ok := st.consumptions[id]; !ok {
		return store.ErrNotFound
	}
	delete(st.consumptions, id)
	return nil
}

func (st *state) InsertAdjustment(_ context.Context, adjustment domain.LedgerAdjustment) error {
	if adjustment.ID == "" || adjustment.PackageID == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := st.adjustments[adjustment.ID]; exists {
		return store.ErrDuplicate
	}
	st.adjustments[adjustment.ID] = adjustment
	return nil
}

func (st *state) LockSale(ctx context.Context, id string) (*domain.Sale, error) {
	return st.GetSale(ctx, id)
}

func (st *state) InsertSale(_ context.Context, sale domain.Sale) error {
	if sale.ID == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := st.sales[sale.ID]; exists {
		return store.ErrDuplicate
	}
	st.sales[sale.ID] = cloneSale(sale)
	return nil
}

func (st *state) UpdateSale(_ context.Context, sale domain.Sale) error {
	existing, ok := st.sales[sale.ID]
	if !ok {
		return store.ErrNotFound
	}
	updated := cloneSale(sale)
	updated.Lines = existing.Lines
	st.sales[sale.ID] = updated
	return nil
}

func (st *state) SetSaleLinePackage(_ context.Context, lineID string, packageID string) error {
	for saleID, sale := range st.sales {
		for i := range sale.Lines {
			if sale.Lines[i].ID != lineID {
				continue
			}
			pkgID := packageID
			sale.Lines[i].PackageID = &pkgID
			st.sales[saleID] = sale
			return nil
		}
	}
	return store.ErrNotFound
}

func (st *state) SetSaleLinePrice(_ context.Context, lineID string, unitPrice decimal.Decimal, lineTotal decimal.Decimal) error {
	for saleID, sale := range st.sales {
		for i := range sale.Lines {
			if sale.Lines[i].ID != lineID {
				continue
			}
			sale.Lines[i].UnitPrice = unitPrice
			sale.Lines[i].LineTotal = lineTotal
			st.sales[saleID] = sale
			return nil
		}
	}
	return store.ErrNotFound
}

func (st *state) InsertRefund(_ context.Context, refund domain.SaleRefund) error {
	if refund.ID == "" || refund.SaleID == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := st.refunds[refund.ID]; exists {
		return store.ErrDuplicate
	}
	st.refunds[refund.ID] = refund
	return nil
}

func (st *state) InsertPolicy(_ context.Context, policy domain.CommissionPolicy) error {
	if policy.ID == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := st.policies[policy.ID]; exists {
		return store.ErrDuplicate
	}
	st.policies[policy.ID] = policy
	return nil
}

func (st *state) SetPolicyValidUntil(_ context.Context, id string, validUntil time.Time) error {
	policy, ok := st.policies[id]
	if !ok {
		return store.ErrNotFound
	}
	policy.ValidUntil = &validUntil
	st.policies[id] = policy
	return nil
}

func (st *state) InsertCommission(_ context.Context, commission domain.Commission) error {
	if commission.ID == "" || commission.SaleID == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := st.commissions[commission.ID]; exists {
		return store.ErrDuplicate
	}
	st.commissions[commission.ID] = commission
	return nil
}

func (st *state) VoidCommissions(_ context.Context, saleID string, at time.Time) error {
	for id, commission := range st.commissions {
		if commission.SaleID != saleID || commission.Status != domain.CommissionActive {
			continue
		}
		commission.Status = domain.CommissionVoid
		voidedAt := at
		commission.VoidedAt = &voidedAt
		st.commissions[id] = commission
	}
	return nil
}
