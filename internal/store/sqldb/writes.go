package sqldb

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"salesledger/backend/internal/domain"
	"salesledger/backend/internal/store"
)

func (t *tx) InsertClient(ctx context.Context, client domain.Client) error {
	if client.ID == "" || client.Name == "" {
		return store.ErrInvalidTransaction
	}
	return t.namedExec(ctx, `
		INSERT INTO clients (id, name, phone, created_at)
		VALUES (:id, :name, :phone, :created_at)
	`, client)
}

func (t *tx) InsertService(ctx context.Context, svc domain.Service) error {
	if svc.ID == "" || svc.Name == "" {
		return store.ErrInvalidTransaction
	}
	return t.namedExec(ctx, `
		INSERT INTO services (id, name, base_price, active, created_at)
		VALUES (:id, :name, :base_price, :active, :created_at)
	`, svc)
}

func (t *tx) LockPackage(ctx context.Context, id string) (*domain.ClientPackage, error) {
	var pkg domain.ClientPackage
	err := t.get(ctx, &pkg, `SELECT `+packageColumns+` FROM client_packages WHERE id = ?`+t.dialect.ForUpdate, id)
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

func (t *tx) LockActivePackage(ctx context.Context, clientID string, serviceID string) (*domain.ClientPackage, error) {
	var pkg domain.ClientPackage
	err := t.get(ctx, &pkg, `
		SELECT `+packageColumns+`
		FROM client_packages
		WHERE client_id = ? AND service_id = ? AND active = ?`+t.dialect.ForUpdate, clientID, serviceID, true)
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

func (t *tx) InsertPackage(ctx context.Context, pkg domain.ClientPackage) error {
	if pkg.ID == "" || pkg.InitialQuantity < 0 || pkg.ConsumedQuantity < 0 || pkg.ConsumedQuantity > pkg.InitialQuantity {
		return store.ErrInvalidTransaction
	}
	pkg.AvailableQuantity = pkg.InitialQuantity - pkg.ConsumedQuantity
	return t.namedExec(ctx, `
		INSERT INTO client_packages (
			id, client_id, service_id, initial_quantity, consumed_quantity, available_quantity,
			unit_price, active, origin_sale_id, created_at, updated_at
		)
		VALUES (
			:id, :client_id, :service_id, :initial_quantity, :consumed_quantity, :available_quantity,
			:unit_price, :active, :origin_sale_id, :created_at, :updated_at
		)
	`, pkg)
}

// UpdatePackageCounters is the only write path for package balances.
// available_quantity is derived here from the two counters.
func (t *tx) UpdatePackageCounters(ctx context.Context, id string, initial int64, consumed int64, unitPrice decimal.Decimal, active bool, at time.Time) error {
	if consumed < 0 || initial < consumed {
		return store.ErrInvalidTransaction
	}
	affected, err := t.exec(ctx, `
		UPDATE client_packages
		SET initial_quantity = ?,
			consumed_quantity = ?,
			available_quantity = CAST(? AS BIGINT) - CAST(? AS BIGINT),
			unit_price = ?,
			active = ?,
			updated_at = ?
		WHERE id = ?
	`, initial, consumed, initial, consumed, unitPrice, active, at.UTC(), id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) InsertGrant(ctx context.Context, grant domain.PackageGrant) error {
	if grant.ID == "" || grant.Quantity < 1 {
		return store.ErrInvalidTransaction
	}
	return t.namedExec(ctx, `
		INSERT INTO package_grants (
			id, package_id, source, sale_id, sale_line_id, reason, actor, quantity, unit_price, revoked_at, created_at
		)
		VALUES (
			:id, :package_id, :source, :sale_id, :sale_line_id, :reason, :actor, :quantity, :unit_price, :revoked_at, :created_at
		)
	`, grant)
}

func (t *tx) RevokeGrant(ctx context.Context, id string, at time.Time) error {
	affected, err := t.exec(ctx, `
		UPDATE package_grants
		SET revoked_at = ?
		WHERE id = ? AND revoked_at IS NULL
	`, at.UTC(), id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) InsertConsumption(ctx context.Context, consumption domain.PackageConsumption) error {
	if consumption.ID == "" || consumption.Quantity < 1 || consumption.SaleLineID == "" {
		return store.ErrInvalidTransaction
	}
	return t.namedExec(ctx, `
		INSERT INTO package_consumptions (id, package_id, sale_id, sale_line_id, quantity, unit_price, created_at)
		VALUES (:id, :package_id, :sale_id, :sale_line_id, :quantity, :unit_price, :created_at)
	`, consumption)
}

func (t *tx) DeleteConsumption(ctx context.Context, id string) error {
	affected, err := t.exec(ctx, `DELETE FROM package_consumptions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) InsertAdjustment(ctx context.Context, adjustment domain.LedgerAdjustment) error {
	if adjustment.ID == "" || adjustment.PackageID == "" {
		return store.ErrInvalidTransaction
	}
	return t.namedExec(ctx, `
		INSERT INTO ledger_adjustments (
			id, package_id, kind, initial_delta, consumed_delta, stored_initial, stored_consumed, reason, actor, created_at
		)
		VALUES (
			:id, :package_id, :kind, :initial_delta, :consumed_delta, :stored_initial, :stored_consumed, :reason, :actor, :created_at
		)
	`, adjustment)
}

func (t *tx) LockSale(ctx context.Context, id string) (*domain.Sale, error) {
	return t.loadSale(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = ?`+t.dialect.ForUpdate, id)
}

func (t *tx) InsertSale(ctx context.Context, sale domain.Sale) error {
	if sale.ID == "" {
		return store.ErrInvalidTransaction
	}
	err := t.namedExec(ctx, `
		INSERT INTO sales (
			id, client_id, attendant_id, business_date, status, subtotal, discount, total, refund_total,
			commission_amount, notes, cancel_reason, created_at, confirmed_at, cancelled_at, updated_at
		)
		VALUES (
			:id, :client_id, :attendant_id, :business_date, :status, :subtotal, :discount, :total, :refund_total,
			:commission_amount, :notes, :cancel_reason, :created_at, :confirmed_at, :cancelled_at, :updated_at
		)
	`, sale)
	if err != nil {
		return err
	}

	for _, line := range sale.Lines {
		err := t.namedExec(ctx, `
			INSERT INTO sale_lines (
				id, sale_id, position, kind, service_id, package_id, quantity, unit_price, discount, line_total
			)
			VALUES (
				:id, :sale_id, :position, :kind, :service_id, :package_id, :quantity, :unit_price, :discount, :line_total
			)
		`, line)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) UpdateSale(ctx context.Context, sale domain.Sale) error {
	affected, err := t.exec(ctx, `
		UPDATE sales
		SET status = ?,
			subtotal = ?,
			discount = ?,
			total = ?,
			refund_total = ?,
			commission_amount = ?,
			notes = ?,
			cancel_reason = ?,
			confirmed_at = ?,
			cancelled_at = ?,
			updated_at = ?
		WHERE id = ?
	`, string(sale.Status), sale.Subtotal, sale.Discount, sale.Total, sale.RefundTotal, sale.CommissionAmount,
		sale.Notes, sale.CancelReason, nullTime(sale.ConfirmedAt), nullTime(sale.CancelledAt), sale.UpdatedAt.UTC(), sale.ID)
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) SetSaleLinePackage(ctx context.Context, lineID string, packageID string) error {
	affected, err := t.exec(ctx, `UPDATE sale_lines SET package_id = ? WHERE id = ?`, packageID, lineID)
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) SetSaleLinePrice(ctx context.Context, lineID string, unitPrice decimal.Decimal, lineTotal decimal.Decimal) error {
	affected, err := t.exec(ctx, `UPDATE sale_lines SET unit_price = ?, line_total = ? WHERE id = ?`, unitPrice, lineTotal, lineID)
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) InsertRefund(ctx context.Context, refund domain.SaleRefund) error {
	if refund.ID == "" || refund.SaleID == "" {
		return store.ErrInvalidTransaction
	}
	return t.namedExec(ctx, `
		INSERT INTO sale_refunds (id, sale_id, sale_line_id, amount, reason, actor, created_at)
		VALUES (:id, :sale_id, :sale_line_id, :amount, :reason, :actor, :created_at)
	`, refund)
}

func (t *tx) InsertPolicy(ctx context.Context, policy domain.CommissionPolicy) error {
	if policy.ID == "" {
		return store.ErrInvalidTransaction
	}
	return t.namedExec(ctx, `
		INSERT INTO commission_policies (id, classification, method, rate, flat_amount, valid_from, valid_until, created_at)
		VALUES (:id, :classification, :method, :rate, :flat_amount, :valid_from, :valid_until, :created_at)
	`, policy)
}

func (t *tx) SetPolicyValidUntil(ctx context.Context, id string, validUntil time.Time) error {
	affected, err := t.exec(ctx, `UPDATE commission_policies SET valid_until = ? WHERE id = ?`, validUntil, id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) InsertCommission(ctx context.Context, commission domain.Commission) error {
	if commission.ID == "" || commission.SaleID == "" {
		return store.ErrInvalidTransaction
	}
	return t.namedExec(ctx, `
		INSERT INTO commissions (
			id, sale_id, sale_line_id, attendant_id, policy_id, classification, reference_date,
			base_amount, amount, status, created_at, voided_at
		)
		VALUES (
			:id, :sale_id, :sale_line_id, :attendant_id, :policy_id, :classification, :reference_date,
			:base_amount, :amount, :status, :created_at, :voided_at
		)
	`, commission)
}

func (t *tx) VoidCommissions(ctx context.Context, saleID string, at time.Time) error {
	_, err := t.exec(ctx, `
		UPDATE commissions
		SET status = ?, voided_at = ?
		WHERE sale_id = ? AND status = ?
	`, string(domain.CommissionVoid), at.UTC(), saleID, string(domain.CommissionActive))
	return err
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	entry.CreatedAt = entry.CreatedAt.UTC()
	return s.namedExec(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES (:id, :actor_username, :actor_role, :action, :entity_type, :entity_id, :detail, :created_at)
	`, entry)
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	return s.listAuditLogs(ctx, from, to, limit)
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleAttendant
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt.UTC(), time.Now().UTC())
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	users := make([]domain.UserAccount, 0, 16)
	err := s.list(ctx, &users, `SELECT `+userColumns+` FROM app_users ORDER BY username ASC`)
	return users, err
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	affected, err := s.exec(ctx, `
		UPDATE app_users
		SET password = ?, updated_at = ?
		WHERE username = ?
	`, password, time.Now().UTC(), username)
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return val.UTC()
}
