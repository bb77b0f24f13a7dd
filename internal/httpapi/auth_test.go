package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"salesledger/backend/internal/domain"
	"salesledger/backend/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
	listErr error
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func plainAdminStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	accounts := plainAdminStore()

	manager := NewAuthManager("test-secret", time.Hour, "123456", accounts, nil)
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := accounts.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
	if accounts.updates == 0 {
		t.Fatalf("expected the rehashed password to be written back")
	}
}

func TestLoginRejectsWrongPasswordAndInactiveAccount(t *testing.T) {
	accounts := plainAdminStore()
	accounts.users["retired"] = domain.UserAccount{
		Username: "retired", Password: "retired123", Role: domain.RoleAttendant, Active: false,
	}
	manager := NewAuthManager("test-secret", time.Hour, "123456", accounts, nil)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "nope"}); !errors.Is(err, errInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "ghost", Password: "admin123"}); !errors.Is(err, errInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "retired", Password: "retired123"}); !errors.Is(err, errInactiveAccount) {
		t.Fatalf("expected inactive account, got %v", err)
	}
}

func TestTokenRoundTripCarriesRole(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", plainAdminStore(), nil)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "ADMIN ", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "admin" || actor.Role != domain.RoleAdmin {
		t.Fatalf("unexpected actor %+v", actor)
	}

	other := NewAuthManager("other-secret", time.Hour, "123456", plainAdminStore(), nil)
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestParseTokenRejectsForeignIssuer(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", nil, nil)
	claims := staffClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "admin",
			Issuer:    "someone-else",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: domain.RoleAdmin,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected foreign issuer to be rejected")
	}
}

func TestCreateStaffStoresPasswordHash(t *testing.T) {
	accounts := plainAdminStore()
	manager := NewAuthManager("test-secret", time.Hour, "123456", accounts, nil)

	staff, err := manager.CreateStaff(context.Background(), domain.StaffCreateRequest{
		Username: "Marina",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("create staff failed: %v", err)
	}
	if staff.Username != "marina" || staff.Role != domain.RoleAttendant {
		t.Fatalf("unexpected staff %+v", staff)
	}

	saved := accounts.users["marina"]
	if !strings.HasPrefix(saved.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", saved.Password)
	}
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "marina", Password: "pass1234"}); err != nil {
		t.Fatalf("login with new staff failed: %v", err)
	}

	if _, err := manager.CreateStaff(context.Background(), domain.StaffCreateRequest{Username: "marina", Password: "pass1234"}); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate username to fail with ErrDuplicate, got %v", err)
	}
	if _, err := manager.CreateStaff(context.Background(), domain.StaffCreateRequest{Username: "lucas", Password: "pass1234", Role: "owner"}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected unknown role to fail validation, got %v", err)
	}

	listed := manager.ListStaff(context.Background())
	if len(listed) != 2 || listed[0].Username != "admin" || listed[1].Username != "marina" {
		t.Fatalf("unexpected staff listing %+v", listed)
	}
}

func TestBootstrapKeepsCacheWhenStoreFails(t *testing.T) {
	accounts := plainAdminStore()
	manager := NewAuthManager("test-secret", time.Hour, "123456", accounts, nil)

	accounts.listErr = errors.New("connection refused")
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("expected cached credentials to keep working, got %v", err)
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "654321", &userStoreStub{}, nil)

	if manager.managerPIN == "654321" {
		t.Fatalf("expected manager pin to be stored as hash, got plain-text")
	}
	if !manager.ValidateManagerPIN("654321") {
		t.Fatalf("expected manager pin validation to succeed")
	}
	if manager.ValidateManagerPIN("111111") {
		t.Fatalf("expected wrong manager pin to fail")
	}
}
