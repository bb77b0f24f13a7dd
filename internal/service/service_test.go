package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"salesledger/backend/internal/domain"
	"salesledger/backend/internal/store"
	"salesledger/backend/internal/store/memory"
)

var (
	adminCtx     = WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
	attendantCtx = WithActor(context.Background(), domain.Actor{Username: "attendant", Role: domain.RoleAttendant})
)

type mapCache struct {
	mu      sync.Mutex
	entries map[string][]domain.CommissionPolicy
}

func (c *mapCache) Get(_ context.Context, key string) ([]domain.CommissionPolicy, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []domain.CommissionPolicy, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = map[string][]domain.CommissionPolicy{}
	}
	c.entries[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func newTestService(t *testing.T, opts Options) (*Service, domain.Client) {
	t.Helper()
	return newTestServiceOn(t, memory.NewSeeded(zap.NewNop()), opts)
}

func newTestServiceOn(t *testing.T, repo store.Repository, opts Options) (*Service, domain.Client) {
	t.Helper()
	opts.Logger = zap.NewNop()
	svc := New(repo, opts)

	client, err := svc.CreateClient(adminCtx, domain.ClientCreateRequest{Name: "Ana Souza", Phone: "555-0101"})
	if err != nil {
		t.Fatalf("create client failed: %v", err)
	}
	for _, req := range []domain.PolicyCreateRequest{
		{Classification: domain.LineKindPlain, Method: domain.PolicyMethodRate, Rate: decimal.NewFromInt(10), ValidFrom: "2024-01-01"},
		{Classification: domain.LineKindGrant, Method: domain.PolicyMethodRate, Rate: decimal.NewFromInt(5), ValidFrom: "2024-01-01"},
		{Classification: domain.LineKindConsumption, Method: domain.PolicyMethodFlat, FlatAmount: decimal.NewFromInt(1), ValidFrom: "2024-01-01"},
	} {
		if _, err := svc.CreatePolicy(adminCtx, req); err != nil {
			t.Fatalf("create policy %s failed: %v", req.Classification, err)
		}
	}
	return svc, client
}

func sellPackage(t *testing.T, svc *Service, clientID string, qty int64) domain.Sale {
	t.Helper()
	sale, err := svc.CreateSale(attendantCtx, domain.SaleCreateRequest{
		ClientID:     clientID,
		BusinessDate: "2024-03-10",
		Lines: []domain.SaleLineRequest{
			{Kind: domain.LineKindGrant, ServiceID: "svc-massage-60", Quantity: qty},
		},
	})
	if err != nil {
		t.Fatalf("package sale failed: %v", err)
	}
	return sale
}

func TestPackageSaleAndConsumptionLifecycle(t *testing.T) {
	svc, client := newTestService(t, Options{})

	sale := sellPackage(t, svc, client.ID, 10)
	if sale.Status != domain.SaleStatusConfirmed {
		t.Fatalf("expected confirmed sale, got %s", sale.Status)
	}
	if sale.AttendantID != "attendant" {
		t.Fatalf("expected attendant to default to the caller, got %q", sale.AttendantID)
	}
	if !sale.Total.Equal(decimal.NewFromInt(450)) || !sale.CommissionAmount.Equal(decimal.RequireFromString("22.50")) {
		t.Fatalf("unexpected totals: total=%s commission=%s", sale.Total, sale.CommissionAmount)
	}
	if sale.Lines[0].PackageID == nil {
		t.Fatalf("expected grant line to reference its package")
	}
	pkgID := *sale.Lines[0].PackageID

	consumed, err := svc.ConsumePackage(attendantCtx, domain.PackageConsumeRequest{
		PackageID:    pkgID,
		Quantity:     3,
		BusinessDate: "2024-03-10",
	})
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if consumed.Balance != (domain.Balance{PackageID: pkgID, Initial: 10, Consumed: 3, Available: 7}) {
		t.Fatalf("unexpected balance after consume: %+v", consumed.Balance)
	}
	if consumed.Consumption.Quantity != 3 || !consumed.Consumption.UnitPrice.Equal(decimal.NewFromInt(45)) {
		t.Fatalf("unexpected consumption: %+v", consumed.Consumption)
	}
	if !consumed.Sale.Total.IsZero() {
		t.Fatalf("consumption sales carry no revenue, got %s", consumed.Sale.Total)
	}

	history, err := svc.PackageHistory(context.Background(), pkgID)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(history.Grants) != 1 || len(history.Consumptions) != 1 {
		t.Fatalf("unexpected history: %d grants, %d consumptions", len(history.Grants), len(history.Consumptions))
	}

	report, err := svc.CommissionReport(attendantCtx, "", "2024-03-01", "2024-03-10")
	if err != nil {
		t.Fatalf("commission report failed: %v", err)
	}
	if len(report.Commissions) != 2 || !report.Total.Equal(decimal.RequireFromString("25.50")) {
		t.Fatalf("expected 2 commissions totalling 25.50, got %d totalling %s", len(report.Commissions), report.Total)
	}

	if _, err := svc.CancelSale(adminCtx, consumed.Sale.ID, "booked twice"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	balance, err := svc.Balance(context.Background(), pkgID)
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if balance.Available != 10 {
		t.Fatalf("expected cancel to restore 10 units, got %d", balance.Available)
	}

	report, err = svc.CommissionReport(adminCtx, "attendant", "2024-03-10", "2024-03-10")
	if err != nil {
		t.Fatalf("commission report failed: %v", err)
	}
	if !report.Total.Equal(decimal.RequireFromString("22.50")) {
		t.Fatalf("expected voided commission to drop out, got %s", report.Total)
	}
}

func TestConsumeBeyondBalanceLeavesNoSale(t *testing.T) {
	svc, client := newTestService(t, Options{})
	sale := sellPackage(t, svc, client.ID, 2)
	pkgID := *sale.Lines[0].PackageID

	_, err := svc.ConsumePackage(attendantCtx, domain.PackageConsumeRequest{PackageID: pkgID, Quantity: 3})
	var insufficient *domain.InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if insufficient.Available != 2 || insufficient.Requested != 3 {
		t.Fatalf("unexpected error fields: %+v", insufficient)
	}

	history, err := svc.PackageHistory(context.Background(), pkgID)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(history.Consumptions) != 0 {
		t.Fatalf("expected no consumption to be recorded")
	}
}

func TestAdminOnlyOperations(t *testing.T) {
	svc, client := newTestService(t, Options{})

	if _, err := svc.CreatePolicy(attendantCtx, domain.PolicyCreateRequest{
		Classification: domain.LineKindPlain, Method: domain.PolicyMethodRate, Rate: decimal.NewFromInt(1), ValidFrom: "2030-01-01",
	}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden policy create, got %v", err)
	}
	if _, err := svc.GrantPackage(attendantCtx, domain.PackageGrantRequest{
		ClientID: client.ID, ServiceID: "svc-facial", Quantity: 1, Reason: "gift",
	}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden grant, got %v", err)
	}
	if _, err := svc.CreateService(attendantCtx, domain.ServiceCreateRequest{Name: "Nails", BasePrice: decimal.NewFromInt(9)}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden service create, got %v", err)
	}
	if _, err := svc.CorrectPackage(context.Background(), domain.CorrectionRequest{PackageID: "pkg-x", Mode: domain.AdjustmentResync, Reason: "x"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden correction without actor, got %v", err)
	}
	if _, err := svc.CommissionReport(attendantCtx, "someone-else", "", ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected attendants to be limited to their own report, got %v", err)
	}
}

func TestAdministrativeGrantKeepsReason(t *testing.T) {
	svc, client := newTestService(t, Options{})

	resp, err := svc.GrantPackage(adminCtx, domain.PackageGrantRequest{
		ClientID:  client.ID,
		ServiceID: "svc-facial",
		Quantity:  4,
		UnitPrice: decimal.NewFromInt(25),
		Reason:    "migrated from paper cards",
	})
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if resp.Grant.Source != domain.GrantSourceAdministrative || resp.Grant.Reason != "migrated from paper cards" {
		t.Fatalf("unexpected grant: %+v", resp.Grant)
	}
	if resp.Package.AvailableQuantity != 4 {
		t.Fatalf("expected 4 available, got %d", resp.Package.AvailableQuantity)
	}

	packages, err := svc.ListPackages(context.Background(), client.ID)
	if err != nil || len(packages) != 1 {
		t.Fatalf("expected one package, got %d (err=%v)", len(packages), err)
	}

	if _, err := svc.GrantPackage(adminCtx, domain.PackageGrantRequest{
		ClientID: client.ID, ServiceID: "svc-facial", Quantity: 1,
	}); err == nil {
		t.Fatalf("expected grant without reason to fail")
	}
	if _, err := svc.ListPackages(context.Background(), "cli-missing"); !errors.Is(err, domain.ErrUnknownClient) {
		t.Fatalf("expected unknown client, got %v", err)
	}
}

func TestRefundDoesNotTouchPackage(t *testing.T) {
	svc, client := newTestService(t, Options{})
	sale := sellPackage(t, svc, client.ID, 5)
	pkgID := *sale.Lines[0].PackageID

	resp, err := svc.RefundSale(adminCtx, domain.SaleRefundRequest{
		SaleID: sale.ID,
		Amount: decimal.NewFromInt(45),
		Reason: "goodwill",
	})
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if !resp.Sale.RefundTotal.Equal(decimal.NewFromInt(45)) || resp.Refund.Actor != "admin" {
		t.Fatalf("unexpected refund response: %+v", resp)
	}

	balance, err := svc.Balance(context.Background(), pkgID)
	if err != nil || balance.Available != 5 {
		t.Fatalf("expected refund to leave 5 units, got %+v (err=%v)", balance, err)
	}

	if _, err := svc.RefundSale(adminCtx, domain.SaleRefundRequest{
		SaleID: sale.ID, Amount: decimal.NewFromInt(500), Reason: "too much",
	}); !errors.Is(err, domain.ErrRefundExceedsTotal) {
		t.Fatalf("expected refund over total to fail, got %v", err)
	}
}

func TestPolicyRetirementReachesCachedResolver(t *testing.T) {
	svc, _ := newTestService(t, Options{PolicyCache: &mapCache{}, PolicyCacheTTL: time.Hour})

	before, err := svc.ResolvePolicy(context.Background(), domain.LineKindPlain, "2024-06-01")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	retired, err := svc.RetirePolicy(adminCtx, before.ID, domain.PolicyRetireRequest{ValidUntil: "2024-05-01"})
	if err != nil {
		t.Fatalf("retire failed: %v", err)
	}
	if retired.ValidUntil == nil || retired.ValidUntil.Format(domain.DateLayout) != "2024-05-01" {
		t.Fatalf("unexpected retired window: %+v", retired.ValidUntil)
	}
	if _, err := svc.ResolvePolicy(context.Background(), domain.LineKindPlain, "2024-06-01"); !errors.Is(err, domain.ErrNoApplicablePolicy) {
		t.Fatalf("expected gap after retirement, got %v", err)
	}

	next, err := svc.CreatePolicy(adminCtx, domain.PolicyCreateRequest{
		Classification: domain.LineKindPlain, Method: domain.PolicyMethodRate, Rate: decimal.NewFromInt(12), ValidFrom: "2024-05-01",
	})
	if err != nil {
		t.Fatalf("create follow-up policy failed: %v", err)
	}
	after, err := svc.ResolvePolicy(context.Background(), domain.LineKindPlain, "2024-06-01")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if after.ID != next.ID {
		t.Fatalf("expected %s after invalidation, got %s", next.ID, after.ID)
	}

	old, err := svc.ResolvePolicy(context.Background(), domain.LineKindPlain, "2024-04-30")
	if err != nil || old.ID != before.ID {
		t.Fatalf("expected earlier dates to keep the retired policy, got %v (err=%v)", old.ID, err)
	}

	if _, err := svc.CreatePolicy(adminCtx, domain.PolicyCreateRequest{
		Classification: domain.LineKindPlain, Method: domain.PolicyMethodRate, Rate: decimal.NewFromInt(1), ValidFrom: "2024-07-01",
	}); !errors.Is(err, domain.ErrPolicyOverlap) {
		t.Fatalf("expected overlap, got %v", err)
	}
}

func TestCorrectionFlow(t *testing.T) {
	svc, client := newTestService(t, Options{})
	sale := sellPackage(t, svc, client.ID, 3)
	pkgID := *sale.Lines[0].PackageID

	report, err := svc.AuditPackage(context.Background(), pkgID)
	if err != nil || report.Diverged() {
		t.Fatalf("expected clean audit, got %+v (err=%v)", report, err)
	}
	summary, err := svc.AuditAll(context.Background())
	if err != nil || summary.Packages != 1 || summary.Diverged != 0 {
		t.Fatalf("unexpected summary: %+v (err=%v)", summary, err)
	}

	if _, err := svc.CorrectPackage(adminCtx, domain.CorrectionRequest{
		PackageID: pkgID, Mode: domain.AdjustmentResync, Reason: "nothing to fix",
	}); !errors.Is(err, domain.ErrNoDivergence) {
		t.Fatalf("expected no divergence, got %v", err)
	}
}

// interleavingRepo runs onPackageRead after a committed package read, which
// lets a test slip a write in before the next statement.
type interleavingRepo struct {
	store.Repository
	onPackageRead func()
}

func (r *interleavingRepo) GetPackage(ctx context.Context, id string) (*domain.ClientPackage, error) {
	pkg, err := r.Repository.GetPackage(ctx, id)
	if r.onPackageRead != nil {
		hook := r.onPackageRead
		r.onPackageRead = nil
		hook()
	}
	return pkg, err
}

func TestAuditIgnoresConsumeCommittedMidAudit(t *testing.T) {
	inner := memory.NewSeeded(zap.NewNop())
	repo := &interleavingRepo{Repository: inner}
	svc, client := newTestServiceOn(t, repo, Options{})
	pkgID := *sellPackage(t, svc, client.ID, 100).Lines[0].PackageID

	writer := New(inner, Options{Logger: zap.NewNop()})
	consumeOnRead := func() {
		if _, err := writer.ConsumePackage(attendantCtx, domain.PackageConsumeRequest{
			PackageID: pkgID, Quantity: 30, BusinessDate: "2024-03-11",
		}); err != nil {
			t.Errorf("concurrent consume failed: %v", err)
		}
	}

	repo.onPackageRead = consumeOnRead
	report, err := svc.AuditPackage(context.Background(), pkgID)
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if report.Diverged() || report.StoredAvailable != report.RecomputedAvailable {
		t.Fatalf("expected consistent audit, got %+v", report)
	}

	repo.onPackageRead = consumeOnRead
	summary, err := svc.AuditAll(context.Background())
	if err != nil {
		t.Fatalf("audit all failed: %v", err)
	}
	if summary.Diverged != 0 {
		t.Fatalf("expected no divergence, got %+v", summary.Reports)
	}

	// Whatever the consumes did, a settled audit still agrees.
	repo.onPackageRead = nil
	report, err = svc.AuditPackage(context.Background(), pkgID)
	if err != nil || report.Diverged() {
		t.Fatalf("expected clean audit after writes settle, got %+v (err=%v)", report, err)
	}
}

func TestCreateSaleRejectsUnknownReferences(t *testing.T) {
	svc, client := newTestService(t, Options{})

	_, err := svc.CreateSale(attendantCtx, domain.SaleCreateRequest{
		ClientID: "cli-missing",
		Lines:    []domain.SaleLineRequest{{Kind: domain.LineKindPlain, ServiceID: "svc-haircut", Quantity: 1}},
	})
	if !errors.Is(err, domain.ErrUnknownClient) {
		t.Fatalf("expected unknown client, got %v", err)
	}

	_, err = svc.CreateSale(context.Background(), domain.SaleCreateRequest{
		ClientID: client.ID,
		Lines:    []domain.SaleLineRequest{{Kind: domain.LineKindPlain, ServiceID: "svc-haircut", Quantity: 1}},
	})
	if !errors.Is(err, domain.ErrUnknownAttendant) {
		t.Fatalf("expected unknown attendant without an actor, got %v", err)
	}

	if _, err := svc.GetSale(context.Background(), "sale-missing"); !errors.Is(err, domain.ErrUnknownSale) {
		t.Fatalf("expected unknown sale, got %v", err)
	}
}

func TestMutationsWriteAuditLog(t *testing.T) {
	svc, client := newTestService(t, Options{})
	sale := sellPackage(t, svc, client.ID, 1)

	logs, err := svc.ListAuditLogs(context.Background(), "", 50)
	if err != nil {
		t.Fatalf("list audit logs failed: %v", err)
	}
	found := false
	for _, entry := range logs {
		if entry.Action == "sale_create" && entry.EntityID == sale.ID {
			found = true
			if entry.ActorUsername != "attendant" || entry.ActorRole != domain.RoleAttendant {
				t.Fatalf("unexpected actor on audit entry: %+v", entry)
			}
		}
	}
	if !found {
		t.Fatalf("expected sale_create entry for %s", sale.ID)
	}
}
