package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"salesledger/backend/internal/config"
	"salesledger/backend/internal/httpapi"
)

// ─── serve ──────────────────────────────────────────────────────────────────

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("auto-migrate", true, "Apply the PostgreSQL schema before serving")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API. PostgreSQL is used when DATABASE_URL is set, SQLite when
SQLITE_PATH is set, and a seeded in-memory store otherwise.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	autoMigrate, _ := cmd.Flags().GetBool("auto-migrate")

	startCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	repo, err := openRepository(startCtx, cfg, logger, storeOptions{allowMemory: true, migrate: autoMigrate})
	if err != nil {
		return err
	}
	policyCache, closeCache := openPolicyCache(startCtx, cfg, logger)
	closers := []func() error{closeCache, repo.Close}

	svc, err := newService(cfg, repo, policyCache, logger)
	if err != nil {
		return err
	}
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), cfg.ManagerPIN, repo, logger.Named("auth"))
	api := httpapi.New(svc, auth, cfg.AllowedOrigins, logger.Named("http"))

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("salesledger listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			closeAll(logger, closers)
			return fmt.Errorf("server error: %w", err)
		}
	case <-runCtx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	closeAll(logger, closers)
	logger.Info("server stopped")
	return nil
}

func closeAll(logger *zap.Logger, closers []func() error) {
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}
}

// ─── security config ────────────────────────────────────────────────────────

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	for _, r := range cfg.ManagerPIN {
		if r < '0' || r > '9' {
			return fmt.Errorf("MANAGER_PIN must contain digits only")
		}
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

var weakPINs = map[string]bool{
	"000000": true, "121212": true, "112233": true, "123123": true,
	"696969": true, "159753": true, "147258": true, "101010": true,
}

// validatePINStrength rejects repeated digits, straight runs and a short
// list of common PINs.
func validatePINStrength(pin string) error {
	if weakPINs[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame, ascending, descending := true, true, true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
		}
		switch int(pin[i]) - int(pin[i-1]) {
		case 1:
			descending = false
		case -1:
			ascending = false
		default:
			ascending, descending = false, false
		}
	}
	if allSame {
		return fmt.Errorf("repeated-digit PIN not allowed")
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}
	return nil
}
