package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"salesledger/backend/internal/cache"
	"salesledger/backend/internal/domain"
	"salesledger/backend/internal/service"
)

// ─── audit ──────────────────────────────────────────────────────────────────

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().StringP("package", "p", "", "Audit a single package")
	auditCmd.Flags().String("correct", "", "Correct a diverged package: resync or adopt (needs --package)")
	auditCmd.Flags().String("reason", "", "Reason recorded with the correction")
	auditCmd.Flags().String("actor", "cli", "Name recorded as the correcting admin")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Recompute package balances from history",
	Long: `Recompute every package (or one with --package) from its grants,
consumptions and adjustments and compare with the stored counters.
Exits non-zero when a divergence is found and no correction was requested.`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

func runAudit(cmd *cobra.Command, _ []string) error {
	packageID, _ := cmd.Flags().GetString("package")
	mode, _ := cmd.Flags().GetString("correct")
	reason, _ := cmd.Flags().GetString("reason")
	actor, _ := cmd.Flags().GetString("actor")

	packageID = strings.TrimSpace(packageID)
	mode = strings.TrimSpace(mode)
	if mode != "" {
		if packageID == "" {
			return fmt.Errorf("--correct needs --package")
		}
		if !domain.AdjustmentKind(mode).Valid() {
			return fmt.Errorf("--correct must be resync or adopt, got %q", mode)
		}
		if strings.TrimSpace(reason) == "" {
			return fmt.Errorf("--correct needs --reason")
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	repo, err := openRepository(ctx, cfg, logger, storeOptions{})
	if err != nil {
		return err
	}
	defer repo.Close()

	svc, err := newService(cfg, repo, cache.NoopPolicyCache{}, logger)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	switch {
	case mode != "":
		adminCtx := service.WithActor(ctx, domain.Actor{Username: actor, Role: domain.RoleAdmin})
		result, err := svc.CorrectPackage(adminCtx, domain.CorrectionRequest{
			PackageID: packageID,
			Mode:      domain.AdjustmentKind(mode),
			Reason:    reason,
		})
		if err != nil {
			return err
		}
		return printJSON(out, result)

	case packageID != "":
		report, err := svc.AuditPackage(ctx, packageID)
		if err != nil {
			return err
		}
		if err := printJSON(out, report); err != nil {
			return err
		}
		return report.Err()

	default:
		summary, err := svc.AuditAll(ctx)
		if err != nil {
			return err
		}
		if err := printJSON(out, summary); err != nil {
			return err
		}
		if summary.Diverged > 0 {
			return fmt.Errorf("%d of %d packages diverged", summary.Diverged, summary.Packages)
		}
		return nil
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
