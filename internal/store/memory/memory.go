package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"salesledger/backend/internal/domain"
	"salesledger/backend/internal/store"
)

// Store keeps everything in process. WithTx runs against a private copy of
// the ledger state and swaps it in only when fn succeeds, so a failed
// operation leaves no partial effects. Transactions are serialized.
type Store struct {
	txMu sync.Mutex

	mu              sync.RWMutex
	data            *state
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		data:            newState(),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_ATTENDANT_PASSWORD; without them the dev
// defaults are used and a warning is logged.
func seedUsers(logger *zap.Logger) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	attendantPwd := envOr("SEED_ATTENDANT_PASSWORD", "attendant123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_ATTENDANT_PASSWORD") == "" {
		logger.Warn("memory store is using default dev credentials",
			zap.String("hint", "set SEED_ADMIN_PASSWORD and SEED_ATTENDANT_PASSWORD to override"))
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"attendant", attendantPwd, domain.RoleAttendant},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with seeded staff accounts and a small demo
// catalog.
func NewSeeded(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := New()
	s.usersByUsername = seedUsers(logger)

	now := time.Now().UTC()
	for _, svc := range []domain.Service{
		{ID: "svc-massage-60", Name: "Massage 60 min", BasePrice: decimal.RequireFromString("45.00")},
		{ID: "svc-facial", Name: "Facial treatment", BasePrice: decimal.RequireFromString("30.00")},
		{ID: "svc-haircut", Name: "Haircut", BasePrice: decimal.RequireFromString("12.50")},
	} {
		svc.Active = true
		svc.CreatedAt = now
		s.data.services[svc.ID] = svc
	}
	return s
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	working := s.data.clone()
	s.mu.RUnlock()

	if err := fn(&memTx{state: working, store: s}); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = working
	s.mu.Unlock()
	return nil
}

func (s *Store) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.GetClient(ctx, id)
}

func (s *Store) ListClients(ctx context.Context) ([]domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ListClients(ctx)
}

func (s *Store) GetService(ctx context.Context, id string) (*domain.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.GetService(ctx, id)
}

func (s *Store) ListServices(ctx context.Context) ([]domain.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ListServices(ctx)
}

func (s *Store) GetPackage(ctx context.Context, id string) (*domain.ClientPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.GetPackage(ctx, id)
}

func (s *Store) ListPackages(ctx context.Context, clientID string) ([]domain.ClientPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ListPackages(ctx, clientID)
}

func (s *Store) GetGrant(ctx context.Context, id string) (*domain.PackageGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.GetGrant(ctx, id)
}

func (s *Store) FindGrantBySaleLine(ctx context.Context, saleLineID string) (*domain.PackageGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.FindGrantBySaleLine(ctx, saleLineID)
}

func (s *Store) ListGrantsByPackage(ctx context.Context, packageID string) ([]domain.PackageGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ListGrantsByPackage(ctx, packageID)
}

func (s *Store) ListGrantsBySale(ctx context.Context, saleID string) ([]domain.PackageGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ListGrantsBySale(ctx, saleID)
}

func (s *Store) GetConsumption(ctx context.Context, id string) (*domain.PackageConsumption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.GetConsumption(ctx, id)
}

func (s *Store) ListConsumptionsByPackage(ctx context.Context, packageID string) ([]domain.PackageConsumption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ListConsumptionsByPackage(ctx, packageID)
}

func (s *Store) ListConsumptionsBySale(ctx context.Context, saleID string) ([]domain.PackageConsumption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ListConsumptionsBySale(ctx, saleID)
}

func (s *Store) ListAdjustments(ctx context.Context, packageID string) ([]domain.LedgerAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ListAdjustments(ctx, packageID)
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.GetSale(ctx, id)
}

func (s *Store) ListRefunds(ctx context.Context, saleID string) ([]domain.SaleRefund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ListRefunds(ctx, saleID)
}

func (s *Store) GetPolicy(ctx context.Context, id string) (*domain.CommissionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.GetPolicy(ctx, id)
}

func (s *Store) ListPolicies(ctx context.Context, classification domain.LineKind) ([]domain.CommissionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ListPolicies(ctx, classification)
}

func (s *Store) ListCommissionsBySale(ctx context.Context, saleID string) ([]domain.Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ListCommissionsBySale(ctx, saleID)
}

func (s *Store) ListCommissions(ctx context.Context, filter store.CommissionFilter) ([]domain.Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ListCommissions(ctx, filter)
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, len(s.auditLogs))
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		logs = append(logs, entry)
		if limit > 0 && len(logs) >= limit {
			break
		}
	}
	return logs, nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrDuplicate
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// memTx writes into a private state copy. Users live outside the ledger
// state and are read through the owning store.
type memTx struct {
	*state
	store *Store
}

func (t *memTx) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	return t.store.GetUser(ctx, username)
}
