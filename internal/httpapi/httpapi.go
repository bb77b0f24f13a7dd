package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"salesledger/backend/internal/domain"
	"salesledger/backend/internal/metrics"
	"salesledger/backend/internal/service"
	"salesledger/backend/internal/store"
)

const maxBodyBytes = 1 << 20

type API struct {
	service        *service.Service
	auth           *AuthManager
	allowedOrigins []string
	loginLimiter   *attemptLimiter
	pinLimiter     *attemptLimiter
	logger         *zap.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigins []string, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:        svc,
		auth:           auth,
		allowedOrigins: allowedOrigins,
		loginLimiter:   newAttemptLimiter(5, time.Minute),
		pinLimiter:     newAttemptLimiter(8, time.Minute),
		logger:         logger,
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(a.instrument)

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleAttendant, domain.RoleAdmin))

			r.Get("/clients", a.handleListClients)
			r.Post("/clients", a.handleCreateClient)
			r.Get("/clients/{id}/packages", a.handleClientPackages)
			r.Get("/services", a.handleListServices)

			r.Post("/sales", a.handleCreateSale)
			r.Get("/sales/{id}", a.handleGetSale)
			r.Post("/sales/{id}/confirm", a.handleConfirmSale)
			r.Post("/sales/{id}/cancel", a.handleCancelSale)
			r.Get("/sales/{id}/commissions", a.handleSaleCommissions)

			r.Post("/packages/{id}/consume", a.handleConsumePackage)
			r.Get("/packages/{id}/balance", a.handleBalance)
			r.Get("/packages/{id}/history", a.handlePackageHistory)

			r.Get("/commission-policies", a.handleListPolicies)
			r.Get("/commission-policies/resolve", a.handleResolvePolicy)
			r.Get("/reports/commissions", a.handleCommissionReport)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleAdmin))

			r.Post("/services", a.handleCreateService)
			r.Post("/sales/{id}/refunds", a.handleRefundSale)
			r.Post("/packages/grants", a.handleGrantPackage)
			r.Get("/packages/{id}/audit", a.handleAuditPackage)
			r.Post("/packages/{id}/corrections", a.handleCorrectPackage)
			r.Get("/ledger/audit", a.handleAuditAll)
			r.Post("/commission-policies", a.handleCreatePolicy)
			r.Post("/commission-policies/{id}/retire", a.handleRetirePolicy)
			r.Get("/audit-logs", a.handleAuditLogs)
			r.Get("/users/staff", a.handleListStaff)
			r.Post("/users/staff", a.handleCreateStaff)
		})
	})

	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		if r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// instrument logs each request and records it under its route pattern, so
// ids in paths do not explode label cardinality.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(startedAt)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())

		a.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
			if err != nil {
				a.writeError(w, http.StatusUnauthorized, err)
				return
			}
			if !isRoleAllowed(actor.Role, roles) {
				a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// checkManagerPIN rate-limits and validates the manager PIN carried by a
// cancellation, refund or correction. It writes the response on failure.
func (a *API) checkManagerPIN(w http.ResponseWriter, r *http.Request, action string, pin string) bool {
	if !a.pinLimiter.Allow("pin:" + action + ":" + clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return false
	}
	if !a.auth.ValidateManagerPIN(pin) {
		a.writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return false
	}
	return true
}

// statusFor maps service and ledger errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrUnknownClient),
		errors.Is(err, domain.ErrUnknownService),
		errors.Is(err, domain.ErrUnknownSale),
		errors.Is(err, domain.ErrUnknownPackage),
		errors.Is(err, domain.ErrUnknownPolicy),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrAlreadyCancelled),
		errors.Is(err, domain.ErrDuplicateGrant),
		errors.Is(err, domain.ErrPackageInactive),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrRefundExceedsTotal),
		errors.Is(err, domain.ErrPolicyOverlap),
		errors.Is(err, domain.ErrNoDivergence),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNoApplicablePolicy),
		errors.Is(err, domain.ErrAmbiguousPolicy),
		errors.Is(err, domain.ErrUnknownAttendant),
		errors.Is(err, domain.ErrLedgerDivergence):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidSale),
		errors.Is(err, store.ErrInvalidTransaction):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Catalog ────────────────────────────────────────────────────────────────

func (a *API) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := a.service.ListClients(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

func (a *API) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req domain.ClientCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	client, err := a.service.CreateClient(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"client": client})
}

func (a *API) handleClientPackages(w http.ResponseWriter, r *http.Request) {
	packages, err := a.service.ListPackages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"packages": packages})
}

func (a *API) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := a.service.ListServices(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

func (a *API) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var req domain.ServiceCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	svc, err := a.service.CreateService(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"service": svc})
}

// ─── Sales ──────────────────────────────────────────────────────────────────

func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if actor, ok := service.ActorFromContext(r.Context()); ok && actor.Role != domain.RoleAdmin {
		if req.AttendantID != "" && req.AttendantID != actor.Username {
			a.writeError(w, http.StatusForbidden, errors.New("attendants record sales under their own name"))
			return
		}
	}

	sale, err := a.service.CreateSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sale": sale})
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleConfirmSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.ConfirmSale(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleCancelSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleCancelRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.checkManagerPIN(w, r, "cancel", req.ManagerPIN) {
		return
	}

	sale, err := a.service.CancelSale(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleRefundSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRefundRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.checkManagerPIN(w, r, "refund", req.ManagerPIN) {
		return
	}
	req.SaleID = chi.URLParam(r, "id")

	resp, err := a.service.RefundSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleSaleCommissions(w http.ResponseWriter, r *http.Request) {
	commissions, err := a.service.ListSaleCommissions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commissions": commissions})
}

// ─── Packages ───────────────────────────────────────────────────────────────

func (a *API) handleGrantPackage(w http.ResponseWriter, r *http.Request) {
	var req domain.PackageGrantRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.GrantPackage(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleConsumePackage(w http.ResponseWriter, r *http.Request) {
	var req domain.PackageConsumeRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	req.PackageID = chi.URLParam(r, "id")

	resp, err := a.service.ConsumePackage(r.Context(), req)
	if err != nil {
		var insufficient *domain.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":     err.Error(),
				"available": insufficient.Available,
				"requested": insufficient.Requested,
			})
			return
		}
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := a.service.Balance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (a *API) handlePackageHistory(w http.ResponseWriter, r *http.Request) {
	history, err := a.service.PackageHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *API) handleAuditPackage(w http.ResponseWriter, r *http.Request) {
	report, err := a.service.AuditPackage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report, "diverged": report.Diverged()})
}

func (a *API) handleAuditAll(w http.ResponseWriter, r *http.Request) {
	summary, err := a.service.AuditAll(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleCorrectPackage(w http.ResponseWriter, r *http.Request) {
	var req domain.CorrectionRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.checkManagerPIN(w, r, "correct", req.ManagerPIN) {
		return
	}
	req.PackageID = chi.URLParam(r, "id")

	result, err := a.service.CorrectPackage(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ─── Commission policies ────────────────────────────────────────────────────

func (a *API) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := a.service.ListPolicies(r.Context(), domain.LineKind(r.URL.Query().Get("classification")))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (a *API) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req domain.PolicyCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := a.service.CreatePolicy(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"policy": p})
}

func (a *API) handleRetirePolicy(w http.ResponseWriter, r *http.Request) {
	var req domain.PolicyRetireRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := a.service.RetirePolicy(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy": p})
}

func (a *API) handleResolvePolicy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, err := a.service.ResolvePolicy(r.Context(), domain.LineKind(q.Get("classification")), q.Get("date"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy": p})
}

func (a *API) handleCommissionReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	report, err := a.service.CommissionReport(r.Context(), q.Get("attendant_id"), q.Get("from"), q.Get("to"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ─── Administration ─────────────────────────────────────────────────────────

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(r.Context(), r.URL.Query().Get("date"), limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleListStaff(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"staff": a.auth.ListStaff(r.Context())})
}

func (a *API) handleCreateStaff(w http.ResponseWriter, r *http.Request) {
	var req domain.StaffCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := a.auth.CreateStaff(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"staff": user})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	a.writeError(w, statusFor(err), err)
}

// writeError masks 5xx messages. 4xx messages are user-facing and go out
// unchanged.
func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		a.logger.Error("internal error", zap.Int("status", status), zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
