package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"salesledger/backend/internal/cache"
	"salesledger/backend/internal/config"
	"salesledger/backend/internal/domain"
	"salesledger/backend/internal/service"
	"salesledger/backend/internal/store/sqlite"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	cases := []config.Config{
		{AuthSecret: "short", ManagerPIN: "739154"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "12345"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "73915a"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "123456"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "987654"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "777777"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "112233"},
	}
	for _, cfg := range cases {
		require.Error(t, validateSecurityConfig(cfg), "pin %q", cfg.ManagerPIN)
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "739154"})
	require.NoError(t, err)
}

func TestNewLoggerParsesLevel(t *testing.T) {
	logger, err := newLogger("debug")
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger, err = newLogger("")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zap.DebugLevel))

	_, err = newLogger("chatty")
	require.Error(t, err)
}

func TestOpenRepositoryNeedsDatabaseUnlessMemoryAllowed(t *testing.T) {
	ctx := context.Background()
	_, err := openRepository(ctx, config.Defaults(), zap.NewNop(), storeOptions{})
	require.ErrorIs(t, err, errNoPersistentStore)

	repo, err := openRepository(ctx, config.Defaults(), zap.NewNop(), storeOptions{allowMemory: true})
	require.NoError(t, err)
	defer repo.Close()
	services, err := repo.ListServices(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, services)
}

func TestOpenPolicyCacheWithoutRedisIsNoop(t *testing.T) {
	c, closeFn := openPolicyCache(context.Background(), config.Defaults(), zap.NewNop())
	require.IsType(t, cache.NoopPolicyCache{}, c)
	require.NoError(t, closeFn())
}

// ─── command runs ───────────────────────────────────────────────────────────

func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"DATABASE_URL", "SQLITE_PATH", "REDIS_ADDR", "LOG_LEVEL", "BUSINESS_TIME_ZONE", "CURRENCY_MINOR_UNITS"} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, dbPath string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "salesledger.toml")
	content := fmt.Sprintf("sqlite_path = %q\nlog_level = \"error\"\n", dbPath)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	for _, name := range []string{"package", "correct", "reason"} {
		require.NoError(t, auditCmd.Flags().Set(name, ""))
	}
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// seedPackage sells a ten-unit package through the service and returns its id.
func seedPackage(t *testing.T, dbPath string) string {
	t.Helper()
	ctx := context.Background()
	repo, err := sqlite.New(ctx, dbPath)
	require.NoError(t, err)
	defer repo.Close()

	require.NoError(t, repo.CreateUser(ctx, domain.UserAccount{
		Username: "attendant", Password: "x", Role: domain.RoleAttendant, Active: true, CreatedAt: time.Now().UTC(),
	}))
	svc := service.New(repo, service.Options{Logger: zap.NewNop()})
	adminCtx := service.WithActor(ctx, domain.Actor{Username: "admin", Role: domain.RoleAdmin})
	attendantCtx := service.WithActor(ctx, domain.Actor{Username: "attendant", Role: domain.RoleAttendant})

	offering, err := svc.CreateService(adminCtx, domain.ServiceCreateRequest{Name: "Massage 60 min", BasePrice: decimal.RequireFromString("45.00")})
	require.NoError(t, err)
	client, err := svc.CreateClient(adminCtx, domain.ClientCreateRequest{Name: "Ana Souza"})
	require.NoError(t, err)
	_, err = svc.CreatePolicy(adminCtx, domain.PolicyCreateRequest{
		Classification: domain.LineKindGrant, Method: domain.PolicyMethodRate, Rate: decimal.NewFromInt(5), ValidFrom: "2024-01-01",
	})
	require.NoError(t, err)

	sale, err := svc.CreateSale(attendantCtx, domain.SaleCreateRequest{
		ClientID:     client.ID,
		BusinessDate: "2024-03-10",
		Lines:        []domain.SaleLineRequest{{Kind: domain.LineKindGrant, ServiceID: offering.ID, Quantity: 10}},
	})
	require.NoError(t, err)
	require.NotNil(t, sale.Lines[0].PackageID)
	return *sale.Lines[0].PackageID
}

func TestMigrateCommand(t *testing.T) {
	isolateEnv(t)
	cfgPath := writeConfig(t, filepath.Join(t.TempDir(), "ledger.db"))

	out, err := runCLI(t, "migrate", "--config", cfgPath)
	require.NoError(t, err)
	require.Contains(t, out, "schema up to date")
}

func TestAuditCommandDetectsAndCorrectsDivergence(t *testing.T) {
	isolateEnv(t)
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	cfgPath := writeConfig(t, dbPath)
	pkgID := seedPackage(t, dbPath)

	out, err := runCLI(t, "audit", "--config", cfgPath)
	require.NoError(t, err)
	var summary domain.AuditSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	require.Equal(t, 1, summary.Packages)
	require.Zero(t, summary.Diverged)

	repo, err := sqlite.New(context.Background(), dbPath)
	require.NoError(t, err)
	_, err = repo.DB().Exec(`UPDATE client_packages
		SET initial_quantity = initial_quantity + 2, available_quantity = available_quantity + 2
		WHERE id = ?`, pkgID)
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	_, err = runCLI(t, "audit", "--config", cfgPath)
	require.ErrorContains(t, err, "1 of 1 packages diverged")

	_, err = runCLI(t, "audit", "--config", cfgPath, "--package", pkgID)
	require.ErrorIs(t, err, domain.ErrLedgerDivergence)

	_, err = runCLI(t, "audit", "--config", cfgPath, "--package", pkgID, "--correct", "resync")
	require.ErrorContains(t, err, "--reason")

	_, err = runCLI(t, "audit", "--config", cfgPath, "--package", pkgID, "--correct", "rewrite", "--reason", "drift")
	require.ErrorContains(t, err, "resync or adopt")

	out, err = runCLI(t, "audit", "--config", cfgPath, "--package", pkgID, "--correct", "resync", "--reason", "counter drift")
	require.NoError(t, err)
	var result domain.CorrectionResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Equal(t, int64(-2), result.Adjustment.InitialDelta)
	require.Equal(t, int64(10), result.Package.AvailableQuantity)
	require.Equal(t, "cli", result.Adjustment.Actor)

	_, err = runCLI(t, "audit", "--config", cfgPath)
	require.NoError(t, err)
}

func TestAuditCommandNeedsDatabase(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "empty.toml")
	require.NoError(t, os.WriteFile(path, []byte("log_level = \"error\"\n"), 0o600))

	_, err := runCLI(t, "audit", "--config", path)
	require.ErrorIs(t, err, errNoPersistentStore)
}
