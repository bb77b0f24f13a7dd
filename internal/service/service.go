package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"salesledger/backend/internal/audit"
	"salesledger/backend/internal/cache"
	"salesledger/backend/internal/commission"
	"salesledger/backend/internal/domain"
	"salesledger/backend/internal/ledger"
	"salesledger/backend/internal/metrics"
	"salesledger/backend/internal/policy"
	"salesledger/backend/internal/sales"
	"salesledger/backend/internal/store"
	"salesledger/backend/internal/xid"
)

var ErrForbidden = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	PolicyCache    cache.PolicyCache
	PolicyCacheTTL time.Duration
	Location       *time.Location
	// MinorUnits is the currency's decimal places. Nil means two.
	MinorUnits *int32

	// ConflictRetries bounds reruns of a unit of work after a serialization
	// conflict. Zero means the default; negative disables retries.
	ConflictRetries int
	Logger          *zap.Logger
}

type Service struct {
	repo     store.Repository
	ledger   *ledger.Ledger
	sales    *sales.Processor
	auditor  *audit.Auditor
	resolver *policy.Resolver
	loc      *time.Location
	logger   *zap.Logger

	conflictRetries int
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	switch {
	case opts.ConflictRetries == 0:
		opts.ConflictRetries = defaultConflictRetries
	case opts.ConflictRetries < 0:
		opts.ConflictRetries = 0
	}

	l := ledger.New()
	resolver := policy.NewResolver(opts.PolicyCache, opts.PolicyCacheTTL, opts.Logger.Named("policy"))
	places := commission.DefaultMinorUnits
	if opts.MinorUnits != nil {
		places = *opts.MinorUnits
	}
	calc := commission.NewCalculator(resolver, places)

	return &Service{
		repo:     repo,
		ledger:   l,
		sales:    sales.NewProcessor(l, calc, opts.Location),
		auditor:  audit.New(l, opts.Logger.Named("audit")),
		resolver: resolver,
		loc:      opts.Location,
		logger:   opts.Logger,

		conflictRetries: opts.ConflictRetries,
	}
}

// ─── Catalog ────────────────────────────────────────────────────────────────

func (s *Service) ListClients(ctx context.Context) ([]domain.Client, error) {
	return s.repo.ListClients(ctx)
}

func (s *Service) CreateClient(ctx context.Context, req domain.ClientCreateRequest) (domain.Client, error) {
	client := domain.Client{
		ID:        xid.New("cli"),
		Name:      strings.TrimSpace(req.Name),
		CreatedAt: time.Now().UTC(),
	}
	if client.Name == "" {
		return domain.Client{}, fmt.Errorf("%w: client name is required", store.ErrInvalidTransaction)
	}
	if phone := strings.TrimSpace(req.Phone); phone != "" {
		client.Phone = &phone
	}

	if err := s.inTx(ctx, "CreateClient", func(tx store.Tx) error {
		return tx.InsertClient(ctx, client)
	}); err != nil {
		return domain.Client{}, err
	}
	s.logAudit(ctx, "client_create", "client", client.ID, "name="+client.Name)
	return client, nil
}

func (s *Service) ListServices(ctx context.Context) ([]domain.Service, error) {
	return s.repo.ListServices(ctx)
}

func (s *Service) CreateService(ctx context.Context, req domain.ServiceCreateRequest) (domain.Service, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Service{}, err
	}
	svc := domain.Service{
		ID:        xid.New("svc"),
		Name:      strings.TrimSpace(req.Name),
		BasePrice: req.BasePrice,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if svc.Name == "" || svc.BasePrice.IsNegative() {
		return domain.Service{}, fmt.Errorf("%w: service needs a name and a non-negative price", store.ErrInvalidTransaction)
	}

	if err := s.inTx(ctx, "CreateService", func(tx store.Tx) error {
		return tx.InsertService(ctx, svc)
	}); err != nil {
		return domain.Service{}, err
	}
	s.logAudit(ctx, "service_create", "service", svc.ID, fmt.Sprintf("name=%s,price=%s", svc.Name, svc.BasePrice))
	return svc, nil
}

// ─── Sales ──────────────────────────────────────────────────────────────────

func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Sale, error) {
	if strings.TrimSpace(req.AttendantID) == "" {
		if actor, ok := ActorFromContext(ctx); ok {
			req.AttendantID = actor.Username
		}
	}

	var sale domain.Sale
	err := s.inTx(ctx, "CreateSale", func(tx store.Tx) error {
		var err error
		sale, err = s.sales.Create(ctx, tx, req)
		return err
	})
	if err != nil {
		s.observeFailure(err)
		return domain.Sale{}, err
	}

	s.observeSale(ctx, sale)
	s.logAudit(ctx, "sale_create", "sale", sale.ID,
		fmt.Sprintf("status=%s,lines=%d,total=%s,commission=%s", sale.Status, len(sale.Lines), sale.Total, sale.CommissionAmount))
	return sale, nil
}

func (s *Service) ConfirmSale(ctx context.Context, saleID string) (domain.Sale, error) {
	var sale domain.Sale
	err := s.inTx(ctx, "ConfirmSale", func(tx store.Tx) error {
		var err error
		sale, err = s.sales.Confirm(ctx, tx, saleID)
		return err
	})
	if err != nil {
		s.observeFailure(err)
		return domain.Sale{}, err
	}

	s.observeSale(ctx, sale)
	s.logAudit(ctx, "sale_confirm", "sale", sale.ID, fmt.Sprintf("status=%s,commission=%s", sale.Status, sale.CommissionAmount))
	return sale, nil
}

func (s *Service) CancelSale(ctx context.Context, saleID string, reason string) (domain.Sale, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}

	var sale domain.Sale
	err := s.inTx(ctx, "CancelSale", func(tx store.Tx) error {
		var err error
		sale, err = s.sales.Cancel(ctx, tx, saleID, reason)
		return err
	})
	if err != nil {
		s.observeFailure(err)
		return domain.Sale{}, err
	}

	metrics.SalesTotal.WithLabelValues(string(domain.SaleStatusCancelled)).Inc()
	s.logAudit(ctx, "sale_cancel", "sale", sale.ID, reason)
	return sale, nil
}

func (s *Service) RefundSale(ctx context.Context, req domain.SaleRefundRequest) (domain.SaleRefundResponse, error) {
	actor := actorName(ctx)

	var resp domain.SaleRefundResponse
	err := s.inTx(ctx, "RefundSale", func(tx store.Tx) error {
		var err error
		resp.Sale, resp.Refund, err = s.sales.Refund(ctx, tx, req, actor)
		return err
	})
	if err != nil {
		return domain.SaleRefundResponse{}, err
	}

	metrics.RefundsTotal.Inc()
	s.logAudit(ctx, "sale_refund", "sale", resp.Sale.ID, fmt.Sprintf("amount=%s,reason=%s", req.Amount, req.Reason))
	return resp, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.Sale{}, notFoundAs(err, domain.ErrUnknownSale, saleID)
	}
	return *sale, nil
}

func (s *Service) ListSaleCommissions(ctx context.Context, saleID string) ([]domain.Commission, error) {
	if _, err := s.GetSale(ctx, saleID); err != nil {
		return nil, err
	}
	return s.repo.ListCommissionsBySale(ctx, saleID)
}

// ─── Packages ───────────────────────────────────────────────────────────────

// GrantPackage adds units outside any sale. The reason is kept on the grant.
func (s *Service) GrantPackage(ctx context.Context, req domain.PackageGrantRequest) (domain.PackageGrantResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.PackageGrantResponse{}, err
	}

	var resp domain.PackageGrantResponse
	err := s.inTx(ctx, "GrantPackage", func(tx store.Tx) error {
		var err error
		resp.Package, resp.Grant, err = s.ledger.Grant(ctx, tx, ledger.GrantRequest{
			ClientID:  req.ClientID,
			ServiceID: req.ServiceID,
			Quantity:  req.Quantity,
			UnitPrice: req.UnitPrice,
			Origin:    ledger.Origin{Reason: req.Reason, Actor: actorName(ctx)},
		})
		return err
	})
	if err != nil {
		return domain.PackageGrantResponse{}, err
	}

	metrics.UnitsGranted.WithLabelValues(string(domain.GrantSourceAdministrative)).Add(float64(resp.Grant.Quantity))
	s.logAudit(ctx, "package_grant", "package", resp.Package.ID,
		fmt.Sprintf("qty=%d,unit_price=%s,reason=%s", resp.Grant.Quantity, resp.Grant.UnitPrice, resp.Grant.Reason))
	return resp, nil
}

// ConsumePackage debits a package through a confirmed one-line sale.
func (s *Service) ConsumePackage(ctx context.Context, req domain.PackageConsumeRequest) (domain.PackageConsumeResponse, error) {
	if strings.TrimSpace(req.AttendantID) == "" {
		req.AttendantID = actorName(ctx)
	}

	var resp domain.PackageConsumeResponse
	err := s.inTx(ctx, "ConsumePackage", func(tx store.Tx) error {
		pkg, err := tx.GetPackage(ctx, req.PackageID)
		if err != nil {
			return notFoundAs(err, domain.ErrUnknownPackage, req.PackageID)
		}
		sale, err := s.sales.Create(ctx, tx, domain.SaleCreateRequest{
			ClientID:     pkg.ClientID,
			AttendantID:  req.AttendantID,
			BusinessDate: req.BusinessDate,
			Notes:        req.Notes,
			Lines: []domain.SaleLineRequest{{
				Kind:      domain.LineKindConsumption,
				PackageID: pkg.ID,
				Quantity:  req.Quantity,
			}},
		})
		if err != nil {
			return err
		}
		consumptions, err := tx.ListConsumptionsBySale(ctx, sale.ID)
		if err != nil {
			return err
		}
		if len(consumptions) != 1 {
			return fmt.Errorf("sale %s recorded %d consumptions", sale.ID, len(consumptions))
		}
		balance, err := ledger.BalanceOf(ctx, tx, pkg.ID)
		if err != nil {
			return err
		}
		resp = domain.PackageConsumeResponse{Sale: sale, Consumption: consumptions[0], Balance: balance}
		return nil
	})
	if err != nil {
		s.observeFailure(err)
		return domain.PackageConsumeResponse{}, err
	}

	s.observeSale(ctx, resp.Sale)
	s.logAudit(ctx, "package_consume", "package", req.PackageID,
		fmt.Sprintf("qty=%d,sale=%s,available=%d", req.Quantity, resp.Sale.ID, resp.Balance.Available))
	return resp, nil
}

func (s *Service) Balance(ctx context.Context, packageID string) (domain.Balance, error) {
	return ledger.BalanceOf(ctx, s.repo, packageID)
}

func (s *Service) ListPackages(ctx context.Context, clientID string) ([]domain.ClientPackage, error) {
	if clientID != "" {
		if _, err := s.repo.GetClient(ctx, clientID); err != nil {
			return nil, notFoundAs(err, domain.ErrUnknownClient, clientID)
		}
	}
	return s.repo.ListPackages(ctx, clientID)
}

func (s *Service) PackageHistory(ctx context.Context, packageID string) (domain.PackageHistory, error) {
	pkg, err := s.repo.GetPackage(ctx, packageID)
	if err != nil {
		return domain.PackageHistory{}, notFoundAs(err, domain.ErrUnknownPackage, packageID)
	}
	grants, err := s.repo.ListGrantsByPackage(ctx, pkg.ID)
	if err != nil {
		return domain.PackageHistory{}, err
	}
	consumptions, err := s.repo.ListConsumptionsByPackage(ctx, pkg.ID)
	if err != nil {
		return domain.PackageHistory{}, err
	}
	adjustments, err := s.repo.ListAdjustments(ctx, pkg.ID)
	if err != nil {
		return domain.PackageHistory{}, err
	}
	return domain.PackageHistory{
		Package:      *pkg,
		Grants:       grants,
		Consumptions: consumptions,
		Adjustments:  adjustments,
	}, nil
}

// ─── Reconciliation ─────────────────────────────────────────────────────────

// AuditPackage reads the package and its history in one transaction so a
// concurrent sale cannot show up as divergence.
func (s *Service) AuditPackage(ctx context.Context, packageID string) (domain.AuditReport, error) {
	var report domain.AuditReport
	err := s.inTx(ctx, "AuditPackage", func(tx store.Tx) error {
		var err error
		report, err = s.auditor.Audit(ctx, tx, packageID)
		return err
	})
	if err != nil {
		return domain.AuditReport{}, err
	}
	return report, nil
}

func (s *Service) AuditAll(ctx context.Context) (domain.AuditSummary, error) {
	var summary domain.AuditSummary
	err := s.inTx(ctx, "AuditAll", func(tx store.Tx) error {
		var err error
		summary, err = s.auditor.AuditAll(ctx, tx)
		return err
	})
	if err != nil {
		return domain.AuditSummary{}, err
	}
	return summary, nil
}

func (s *Service) CorrectPackage(ctx context.Context, req domain.CorrectionRequest) (domain.CorrectionResult, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.CorrectionResult{}, err
	}

	var result domain.CorrectionResult
	err := s.inTx(ctx, "CorrectPackage", func(tx store.Tx) error {
		var err error
		result, err = s.auditor.Correct(ctx, tx, req, actorName(ctx))
		return err
	})
	if err != nil {
		return domain.CorrectionResult{}, err
	}

	metrics.Corrections.WithLabelValues(string(req.Mode)).Inc()
	s.logger.Info("ledger correction applied",
		zap.String("package_id", result.Package.ID),
		zap.String("mode", string(req.Mode)),
		zap.Int64("initial_delta", result.Adjustment.InitialDelta),
		zap.Int64("consumed_delta", result.Adjustment.ConsumedDelta))
	s.logAudit(ctx, "package_correct", "package", result.Package.ID,
		fmt.Sprintf("mode=%s,initial_delta=%d,consumed_delta=%d,reason=%s",
			req.Mode, result.Adjustment.InitialDelta, result.Adjustment.ConsumedDelta, result.Adjustment.Reason))
	return result, nil
}

// ─── Commission policies ────────────────────────────────────────────────────

func (s *Service) ListPolicies(ctx context.Context, classification domain.LineKind) ([]domain.CommissionPolicy, error) {
	if classification != "" && !classification.Valid() {
		return nil, fmt.Errorf("%w: unknown classification %q", store.ErrInvalidTransaction, classification)
	}
	return s.repo.ListPolicies(ctx, classification)
}

func (s *Service) CreatePolicy(ctx context.Context, req domain.PolicyCreateRequest) (domain.CommissionPolicy, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.CommissionPolicy{}, err
	}
	from, err := domain.ParseDate(req.ValidFrom)
	if err != nil {
		return domain.CommissionPolicy{}, fmt.Errorf("%w: valid_from must be YYYY-MM-DD", store.ErrInvalidTransaction)
	}
	p := domain.CommissionPolicy{
		ID:             xid.New("pol"),
		Classification: req.Classification,
		Method:         req.Method,
		Rate:           req.Rate,
		FlatAmount:     req.FlatAmount,
		ValidFrom:      from,
		CreatedAt:      time.Now().UTC(),
	}
	if strings.TrimSpace(req.ValidUntil) != "" {
		until, err := domain.ParseDate(req.ValidUntil)
		if err != nil {
			return domain.CommissionPolicy{}, fmt.Errorf("%w: valid_until must be YYYY-MM-DD", store.ErrInvalidTransaction)
		}
		p.ValidUntil = &until
	}

	if err := s.inTx(ctx, "CreatePolicy", func(tx store.Tx) error {
		return policy.Register(ctx, tx, p)
	}); err != nil {
		return domain.CommissionPolicy{}, err
	}

	s.resolver.Refresh(ctx, s.repo, p.Classification)
	s.logAudit(ctx, "policy_create", "commission_policy", p.ID,
		fmt.Sprintf("classification=%s,method=%s,rate=%s,flat=%s,from=%s", p.Classification, p.Method, p.Rate, p.FlatAmount, req.ValidFrom))
	return p, nil
}

func (s *Service) RetirePolicy(ctx context.Context, policyID string, req domain.PolicyRetireRequest) (domain.CommissionPolicy, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.CommissionPolicy{}, err
	}
	until, err := domain.ParseDate(req.ValidUntil)
	if err != nil {
		return domain.CommissionPolicy{}, fmt.Errorf("%w: valid_until must be YYYY-MM-DD", store.ErrInvalidTransaction)
	}

	var retired domain.CommissionPolicy
	if err := s.inTx(ctx, "RetirePolicy", func(tx store.Tx) error {
		var err error
		retired, err = policy.Retire(ctx, tx, policyID, until)
		return err
	}); err != nil {
		return domain.CommissionPolicy{}, err
	}

	s.resolver.Refresh(ctx, s.repo, retired.Classification)
	s.logAudit(ctx, "policy_retire", "commission_policy", retired.ID, "valid_until="+req.ValidUntil)
	return retired, nil
}

// ResolvePolicy reports which policy would price a line of classification
// on date. An empty date means today in the business time zone.
func (s *Service) ResolvePolicy(ctx context.Context, classification domain.LineKind, date string) (domain.CommissionPolicy, error) {
	day, err := s.sales.BusinessDate(date)
	if err != nil {
		return domain.CommissionPolicy{}, err
	}
	return s.resolver.Resolve(ctx, s.repo, classification, day)
}

// CommissionReport sums active commissions for [from, to], both inclusive
// business dates. Attendants only see their own.
func (s *Service) CommissionReport(ctx context.Context, attendantID string, from string, to string) (domain.CommissionReport, error) {
	actor, _ := ActorFromContext(ctx)
	if actor.Role != domain.RoleAdmin {
		if attendantID != "" && attendantID != actor.Username {
			return domain.CommissionReport{}, ErrForbidden
		}
		attendantID = actor.Username
	}

	today := domain.CivilDate(time.Now(), s.loc)
	fromDay, toDay := today.AddDate(0, 0, -30), today
	var err error
	if strings.TrimSpace(from) != "" {
		if fromDay, err = domain.ParseDate(from); err != nil {
			return domain.CommissionReport{}, fmt.Errorf("%w: from must be YYYY-MM-DD", store.ErrInvalidTransaction)
		}
	}
	if strings.TrimSpace(to) != "" {
		if toDay, err = domain.ParseDate(to); err != nil {
			return domain.CommissionReport{}, fmt.Errorf("%w: to must be YYYY-MM-DD", store.ErrInvalidTransaction)
		}
	}
	if toDay.Before(fromDay) {
		return domain.CommissionReport{}, fmt.Errorf("%w: to is before from", store.ErrInvalidTransaction)
	}

	commissions, err := s.repo.ListCommissions(ctx, store.CommissionFilter{
		AttendantID: attendantID,
		From:        fromDay,
		To:          toDay.AddDate(0, 0, 1),
		Status:      domain.CommissionActive,
	})
	if err != nil {
		return domain.CommissionReport{}, err
	}

	return domain.CommissionReport{
		AttendantID: attendantID,
		From:        fromDay.Format(domain.DateLayout),
		To:          toDay.Format(domain.DateLayout),
		Total: lo.Reduce(commissions, func(sum decimal.Decimal, c domain.Commission, _ int) decimal.Decimal {
			return sum.Add(c.Amount)
		}, decimal.Zero),
		Commissions: commissions,
	}, nil
}

// ─── Audit log ──────────────────────────────────────────────────────────────

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := domain.ParseDate(date)
		if err != nil {
			return nil, store.ErrInvalidTransaction
		}
		from = parsed
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: domain.RoleSystem, Role: domain.RoleSystem}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err))
	}
}

func (s *Service) observeSale(ctx context.Context, sale domain.Sale) {
	metrics.SalesTotal.WithLabelValues(string(sale.Status)).Inc()
	if sale.Status != domain.SaleStatusConfirmed {
		return
	}
	commissions, err := s.repo.ListCommissionsBySale(ctx, sale.ID)
	if err != nil {
		s.logger.Warn("failed to read commissions for metrics", zap.String("sale_id", sale.ID), zap.Error(err))
	}
	for _, c := range commissions {
		metrics.CommissionAmount.WithLabelValues(string(c.Classification)).Add(c.Amount.InexactFloat64())
	}
	for _, line := range sale.Lines {
		switch line.Kind {
		case domain.LineKindGrant:
			metrics.UnitsGranted.WithLabelValues(string(domain.GrantSourceSale)).Add(float64(line.Quantity))
		case domain.LineKindConsumption:
			metrics.UnitsConsumed.Add(float64(line.Quantity))
		}
	}
}

func (s *Service) observeFailure(err error) {
	if errors.Is(err, domain.ErrInsufficientBalance) {
		metrics.InsufficientBalance.Inc()
	}
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return domain.RoleSystem
}

func notFoundAs(err error, sentinel error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", sentinel, id)
	}
	return err
}
