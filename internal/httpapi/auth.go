package httpapi

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"salesledger/backend/internal/domain"
	"salesledger/backend/internal/store"
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInactiveAccount    = errors.New("account is inactive")
	errInvalidToken       = errors.New("invalid or expired token")
)

const (
	tokenIssuer      = "salesledger"
	userStoreTimeout = 3 * time.Second
	defaultTokenTTL  = 8 * time.Hour
)

// UserStore persists staff accounts. store.Repository satisfies it.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// staffEntry is a cached account. hash is always a bcrypt hash.
type staffEntry struct {
	domain.StaffUser
	hash string
}

type staffClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

// AuthManager signs staff sessions and checks the manager PIN. Accounts are
// cached in memory and refreshed from the UserStore on every login, so an
// unreachable store degrades to the last known accounts.
type AuthManager struct {
	signingKey []byte
	tokenTTL   time.Duration
	// managerPIN holds the bcrypt hash of the configured PIN.
	managerPIN string

	users  UserStore
	logger *zap.Logger

	mu    sync.RWMutex
	staff map[string]staffEntry
}

// NewAuthManager with an empty secret signs with a random per-process key,
// so tokens do not survive a restart.
func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, users UserStore, logger *zap.Logger) *AuthManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
		logger.Warn("AUTH_SECRET is empty, sessions are signed with an ephemeral key")
	}

	a := &AuthManager{
		signingKey: key,
		tokenTTL:   tokenTTL,
		users:      users,
		logger:     logger,
		staff:      make(map[string]staffEntry),
	}
	// An unset PIN stays empty and never validates.
	if pin := strings.TrimSpace(managerPIN); pin != "" {
		if hashed, err := hashPassword(pin); err == nil {
			a.managerPIN = hashed
		}
	}
	a.bootstrapUsers(context.Background())
	return a
}

// ─── Sessions ───────────────────────────────────────────────────────────────

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	a.bootstrapUsers(ctx)

	entry, ok := a.lookup(normalizeUsername(req.Username))
	if !ok || !verifyPassword(entry.hash, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !entry.Active {
		return domain.LoginResponse{}, errInactiveAccount
	}

	issuedAt := time.Now().UTC()
	expiresAt := issuedAt.Add(a.tokenTTL)
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, staffClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   entry.Username,
			IssuedAt:  jwtlib.NewNumericDate(issuedAt),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: entry.Role,
	}).SignedString(a.signingKey)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("sign session: %w", err)
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        entry.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// ParseToken accepts only HS256 tokens issued by this service.
func (a *AuthManager) ParseToken(raw string) (domain.Actor, error) {
	var claims staffClaims
	token, err := jwtlib.ParseWithClaims(raw, &claims,
		func(*jwtlib.Token) (any, error) { return a.signingKey, nil },
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(tokenIssuer),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return domain.Actor{}, errInvalidToken
	}
	if claims.Subject == "" || claims.Role == "" {
		return domain.Actor{}, errInvalidToken
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

// ValidateManagerPIN gates cancellations, refunds and ledger corrections.
func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	pin = strings.TrimSpace(pin)
	if pin == "" || a.managerPIN == "" {
		return false
	}
	return verifyPassword(a.managerPIN, pin)
}

// ─── Staff accounts ─────────────────────────────────────────────────────────

// CreateStaff registers an attendant (the default) or an admin. Validation
// failures wrap store.ErrInvalidTransaction and a taken username wraps
// store.ErrDuplicate.
func (a *AuthManager) CreateStaff(ctx context.Context, req domain.StaffCreateRequest) (domain.StaffUser, error) {
	a.bootstrapUsers(ctx)

	username := normalizeUsername(req.Username)
	role := lo.Ternary(strings.TrimSpace(req.Role) == "", domain.RoleAttendant, strings.TrimSpace(req.Role))
	switch {
	case len(username) < 4:
		return domain.StaffUser{}, fmt.Errorf("%w: username must be at least 4 characters", store.ErrInvalidTransaction)
	case strings.ContainsAny(username, " \t\r\n"):
		return domain.StaffUser{}, fmt.Errorf("%w: username must not contain spaces", store.ErrInvalidTransaction)
	case len(strings.TrimSpace(req.Password)) < 6:
		return domain.StaffUser{}, fmt.Errorf("%w: password must be at least 6 characters", store.ErrInvalidTransaction)
	case role != domain.RoleAttendant && role != domain.RoleAdmin:
		return domain.StaffUser{}, fmt.Errorf("%w: role must be %s or %s", store.ErrInvalidTransaction, domain.RoleAttendant, domain.RoleAdmin)
	}
	if _, taken := a.lookup(username); taken {
		return domain.StaffUser{}, fmt.Errorf("%w: username %s", store.ErrDuplicate, username)
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		return domain.StaffUser{}, fmt.Errorf("hash password: %w", err)
	}
	user := domain.StaffUser{Username: username, Role: role, Active: true, CreatedAt: time.Now().UTC()}
	if a.users != nil {
		if err := a.users.CreateUser(ctx, domain.UserAccount{
			Username:  user.Username,
			Password:  hash,
			Role:      user.Role,
			Active:    user.Active,
			CreatedAt: user.CreatedAt,
		}); err != nil {
			return domain.StaffUser{}, err
		}
	}

	a.mu.Lock()
	a.staff[username] = staffEntry{StaffUser: user, hash: hash}
	a.mu.Unlock()
	return user, nil
}

// ListStaff returns every cached account ordered by username.
func (a *AuthManager) ListStaff(ctx context.Context) []domain.StaffUser {
	a.bootstrapUsers(ctx)

	a.mu.RLock()
	users := lo.MapToSlice(a.staff, func(_ string, e staffEntry) domain.StaffUser { return e.StaffUser })
	a.mu.RUnlock()
	slices.SortFunc(users, func(x, y domain.StaffUser) int { return strings.Compare(x.Username, y.Username) })
	return users
}

func (a *AuthManager) lookup(username string) (staffEntry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	entry, ok := a.staff[username]
	return entry, ok
}

// bootstrapUsers refreshes the cache from the user store. Legacy plain-text
// passwords are hashed and written back.
func (a *AuthManager) bootstrapUsers(ctx context.Context) {
	if a.users == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, userStoreTimeout)
	defer cancel()

	accounts, err := a.users.ListUsers(ctx)
	if err != nil {
		a.logger.Warn("failed to load staff accounts, using cached accounts", zap.Error(err))
		return
	}

	refreshed := make(map[string]staffEntry, len(accounts))
	for _, account := range accounts {
		username := normalizeUsername(account.Username)
		if username == "" {
			continue
		}
		hash := account.Password
		if !isPasswordHash(hash) {
			upgraded, err := hashPassword(hash)
			if err != nil {
				a.logger.Warn("failed to hash legacy staff password", zap.String("username", username), zap.Error(err))
				continue
			}
			if err := a.users.UpdateUserPassword(ctx, username, upgraded); err != nil {
				a.logger.Warn("failed to store rehashed staff password", zap.String("username", username), zap.Error(err))
			}
			hash = upgraded
		}
		refreshed[username] = staffEntry{
			StaffUser: domain.StaffUser{Username: username, Role: account.Role, Active: account.Active, CreatedAt: account.CreatedAt},
			hash:      hash,
		}
	}
	if len(refreshed) == 0 {
		return
	}

	a.mu.Lock()
	for username, entry := range refreshed {
		a.staff[username] = entry
	}
	a.mu.Unlock()
}

func normalizeUsername(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func verifyPassword(hash string, input string) bool {
	if strings.TrimSpace(input) == "" || !isPasswordHash(hash) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
