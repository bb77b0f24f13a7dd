package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"salesledger/backend/internal/domain"
	"salesledger/backend/internal/store"
)

const (
	clientColumns     = `id, name, phone, created_at`
	serviceColumns    = `id, name, base_price, active, created_at`
	userColumns       = `username, password, role, active, created_at`
	packageColumns    = `id, client_id, service_id, initial_quantity, consumed_quantity, available_quantity, unit_price, active, origin_sale_id, created_at, updated_at`
	saleColumns       = `id, client_id, attendant_id, business_date, status, subtotal, discount, total, refund_total, commission_amount, notes, cancel_reason, created_at, confirmed_at, cancelled_at, updated_at`
	saleLineColumns   = `id, sale_id, position, kind, service_id, package_id, quantity, unit_price, discount, line_total`
	grantColumns      = `id, package_id, source, sale_id, sale_line_id, reason, actor, quantity, unit_price, revoked_at, created_at`
	adjustmentColumns = `id, package_id, kind, initial_delta, consumed_delta, stored_initial, stored_consumed, reason, actor, created_at`
	policyColumns     = `id, classification, method, rate, flat_amount, valid_from, valid_until, created_at`
	commissionColumns = `id, sale_id, sale_line_id, attendant_id, policy_id, classification, reference_date, base_amount, amount, status, created_at, voided_at`
	refundColumns     = `id, sale_id, sale_line_id, amount, reason, actor, created_at`
	auditColumns      = `id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at`

	consumptionSelect = `
		SELECT c.id, c.package_id, c.sale_id, c.sale_line_id, c.quantity, c.unit_price, c.created_at, s.status AS sale_status
		FROM package_consumptions c
		JOIN sales s ON s.id = c.sale_id`
)

// queries runs against either the pool or an open transaction.
type queries struct {
	ext     sqlx.ExtContext
	dialect Dialect
}

func (q queries) get(ctx context.Context, dest any, query string, args ...any) error {
	err := sqlx.GetContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func (q queries) list(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q queries) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(query), args...)
	if err != nil {
		return 0, q.classifyWrite(err)
	}
	return res.RowsAffected()
}

func (q queries) namedExec(ctx context.Context, query string, arg any) error {
	if _, err := sqlx.NamedExecContext(ctx, q.ext, query, arg); err != nil {
		return q.classifyWrite(err)
	}
	return nil
}

func (q queries) classifyWrite(err error) error {
	switch {
	case q.dialect.IsUnique(err):
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	case q.dialect.IsConflict(err):
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	default:
		return err
	}
}

func (q queries) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	var client domain.Client
	if err := q.get(ctx, &client, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &client, nil
}

func (q queries) ListClients(ctx context.Context) ([]domain.Client, error) {
	clients := make([]domain.Client, 0, 32)
	err := q.list(ctx, &clients, `SELECT `+clientColumns+` FROM clients ORDER BY name, id`)
	return clients, err
}

func (q queries) GetService(ctx context.Context, id string) (*domain.Service, error) {
	var svc domain.Service
	if err := q.get(ctx, &svc, `SELECT `+serviceColumns+` FROM services WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &svc, nil
}

func (q queries) ListServices(ctx context.Context) ([]domain.Service, error) {
	services := make([]domain.Service, 0, 32)
	err := q.list(ctx, &services, `SELECT `+serviceColumns+` FROM services ORDER BY name, id`)
	return services, err
}

func (q queries) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := q.get(ctx, &user, `SELECT `+userColumns+` FROM app_users WHERE username = ?`,
		strings.ToLower(strings.TrimSpace(username)))
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (q queries) GetPackage(ctx context.Context, id string) (*domain.ClientPackage, error) {
	var pkg domain.ClientPackage
	if err := q.get(ctx, &pkg, `SELECT `+packageColumns+` FROM client_packages WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &pkg, nil
}

func (q queries) ListPackages(ctx context.Context, clientID string) ([]domain.ClientPackage, error) {
	packages := make([]domain.ClientPackage, 0, 16)
	if clientID == "" {
		err := q.list(ctx, &packages, `SELECT `+packageColumns+` FROM client_packages ORDER BY created_at, id`)
		return packages, err
	}
	err := q.list(ctx, &packages, `SELECT `+packageColumns+` FROM client_packages WHERE client_id = ? ORDER BY created_at, id`, clientID)
	return packages, err
}

func (q queries) GetGrant(ctx context.Context, id string) (*domain.PackageGrant, error) {
	var grant domain.PackageGrant
	if err := q.get(ctx, &grant, `SELECT `+grantColumns+` FROM package_grants WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &grant, nil
}

func (q queries) FindGrantBySaleLine(ctx context.Context, saleLineID string) (*domain.PackageGrant, error) {
	var grant domain.PackageGrant
	if err := q.get(ctx, &grant, `SELECT `+grantColumns+` FROM package_grants WHERE sale_line_id = ?`, saleLineID); err != nil {
		return nil, err
	}
	return &grant, nil
}

func (q queries) ListGrantsByPackage(ctx context.Context, packageID string) ([]domain.PackageGrant, error) {
	grants := make([]domain.PackageGrant, 0, 8)
	err := q.list(ctx, &grants, `SELECT `+grantColumns+` FROM package_grants WHERE package_id = ? ORDER BY created_at, id`, packageID)
	return grants, err
}

func (q queries) ListGrantsBySale(ctx context.Context, saleID string) ([]domain.PackageGrant, error) {
	grants := make([]domain.PackageGrant, 0, 4)
	err := q.list(ctx, &grants, `SELECT `+grantColumns+` FROM package_grants WHERE sale_id = ? ORDER BY created_at, id`, saleID)
	return grants, err
}

func (q queries) GetConsumption(ctx context.Context, id string) (*domain.PackageConsumption, error) {
	var consumption domain.PackageConsumption
	if err := q.get(ctx, &consumption, consumptionSelect+` WHERE c.id = ?`, id); err != nil {
		return nil, err
	}
	return &consumption, nil
}

func (q queries) ListConsumptionsByPackage(ctx context.Context, packageID string) ([]domain.PackageConsumption, error) {
	consumptions := make([]domain.PackageConsumption, 0, 16)
	err := q.list(ctx, &consumptions, consumptionSelect+` WHERE c.package_id = ? ORDER BY c.created_at, c.id`, packageID)
	return consumptions, err
}

func (q queries) ListConsumptionsBySale(ctx context.Context, saleID string) ([]domain.PackageConsumption, error) {
	consumptions := make([]domain.PackageConsumption, 0, 4)
	err := q.list(ctx, &consumptions, consumptionSelect+` WHERE c.sale_id = ? ORDER BY c.created_at, c.id`, saleID)
	return consumptions, err
}

func (q queries) ListAdjustments(ctx context.Context, packageID string) ([]domain.LedgerAdjustment, error) {
	adjustments := make([]domain.LedgerAdjustment, 0, 4)
	err := q.list(ctx, &adjustments, `SELECT `+adjustmentColumns+` FROM ledger_adjustments WHERE package_id = ? ORDER BY created_at, id`, packageID)
	return adjustments, err
}

func (q queries) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return q.loadSale(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = ?`, id)
}

func (q queries) loadSale(ctx context.Context, query string, id string) (*domain.Sale, error) {
	var sale domain.Sale
	if err := q.get(ctx, &sale, query, id); err != nil {
		return nil, err
	}
	sale.BusinessDate = domain.NormalizeDate(sale.BusinessDate)

	lines := make([]domain.SaleLine, 0, 4)
	if err := q.list(ctx, &lines, `SELECT `+saleLineColumns+` FROM sale_lines WHERE sale_id = ? ORDER BY position`, id); err != nil {
		return nil, err
	}
	sale.Lines = lines
	return &sale, nil
}

func (q queries) ListRefunds(ctx context.Context, saleID string) ([]domain.SaleRefund, error) {
	refunds := make([]domain.SaleRefund, 0, 4)
	err := q.list(ctx, &refunds, `SELECT `+refundColumns+` FROM sale_refunds WHERE sale_id = ? ORDER BY created_at, id`, saleID)
	return refunds, err
}

func (q queries) GetPolicy(ctx context.Context, id string) (*domain.CommissionPolicy, error) {
	var policy domain.CommissionPolicy
	if err := q.get(ctx, &policy, `SELECT `+policyColumns+` FROM commission_policies WHERE id = ?`, id); err != nil {
		return nil, err
	}
	normalizePolicy(&policy)
	return &policy, nil
}

func (q queries) ListPolicies(ctx context.Context, classification domain.LineKind) ([]domain.CommissionPolicy, error) {
	policies := make([]domain.CommissionPolicy, 0, 8)
	var err error
	if classification == "" {
		err = q.list(ctx, &policies, `SELECT `+policyColumns+` FROM commission_policies ORDER BY classification, valid_from, id`)
	} else {
		err = q.list(ctx, &policies, `SELECT `+policyColumns+` FROM commission_policies WHERE classification = ? ORDER BY valid_from, id`, string(classification))
	}
	if err != nil {
		return nil, err
	}
	for i := range policies {
		normalizePolicy(&policies[i])
	}
	return policies, nil
}

func normalizePolicy(policy *domain.CommissionPolicy) {
	policy.ValidFrom = domain.NormalizeDate(policy.ValidFrom)
	if policy.ValidUntil != nil {
		until := domain.NormalizeDate(*policy.ValidUntil)
		policy.ValidUntil = &until
	}
}

func (q queries) ListCommissionsBySale(ctx context.Context, saleID string) ([]domain.Commission, error) {
	commissions := make([]domain.Commission, 0, 4)
	if err := q.list(ctx, &commissions, `SELECT `+commissionColumns+` FROM commissions WHERE sale_id = ? ORDER BY created_at, id`, saleID); err != nil {
		return nil, err
	}
	normalizeCommissions(commissions)
	return commissions, nil
}

func (q queries) ListCommissions(ctx context.Context, filter store.CommissionFilter) ([]domain.Commission, error) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 4)
	if filter.AttendantID != "" {
		clauses = append(clauses, "attendant_id = ?")
		args = append(args, filter.AttendantID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.From.IsZero() {
		clauses = append(clauses, "reference_date >= ?")
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, "reference_date < ?")
		args = append(args, filter.To)
	}

	query := `SELECT ` + commissionColumns + ` FROM commissions`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY reference_date, created_at, id`

	commissions := make([]domain.Commission, 0, 32)
	if err := q.list(ctx, &commissions, query, args...); err != nil {
		return nil, err
	}
	normalizeCommissions(commissions)
	return commissions, nil
}

func normalizeCommissions(commissions []domain.Commission) {
	for i := range commissions {
		commissions[i].ReferenceDate = domain.NormalizeDate(commissions[i].ReferenceDate)
	}
}

func (q queries) listAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	logs := make([]domain.AuditLog, 0, limit)
	err := q.list(ctx, &logs, `
		SELECT `+auditColumns+`
		FROM audit_logs
		WHERE created_at >= ? AND created_at < ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, from.UTC(), to.UTC(), limit)
	return logs, err
}
