package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcourtman/handwrite/internal/api"
	"github.com/rcourtman/handwrite/internal/artifact"
	"github.com/rcourtman/handwrite/internal/ledger"
	"github.com/rcourtman/handwrite/internal/logging"
	"github.com/rcourtman/handwrite/internal/server"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "handwrite",
	Short:   "Handwriting entitlement and artifact service",
	Long:    `handwrite renders text as handwriting, gates generation behind prepaid entitlement codes and serves the results as short-lived downloads.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Run(cmd.Context(), Version)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Run(cmd.Context(), Version)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "handwrite %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

var hashKeyCmd = &cobra.Command{
	Use:   "hashkey <admin-key>",
	Short: "Print a bcrypt hash of an admin key for HW_ADMIN_KEY",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := api.HashAdminKey(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

var (
	issueMode  string
	issueUnits int
	issueDays  int
)

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue an entitlement code directly against the configured ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := server.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ctx := cmd.Context()
		l, err := ledger.Open(ctx, ledger.Options{
			Backend: cfg.LedgerBackend,
			DSN:     cfg.LedgerDSN,
			Dir:     cfg.LedgerDir(),
		})
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer l.Close()

		rec, err := l.Issue(ctx, ledger.IssueRequest{
			Mode:     ledger.Mode(issueMode),
			Units:    issueUnits,
			Duration: time.Duration(issueDays) * 24 * time.Hour,
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one artifact reconciliation pass, including orphan reclamation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := server.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := artifact.NewStore(artifact.Options{
			Root:               cfg.ArtifactDir,
			TTL:                cfg.ArtifactTTL,
			ReconcileThreshold: cfg.ReconcileThreshold,
		})
		if err != nil {
			return err
		}
		defer store.Close()

		res := artifact.NewReconciler(store, cfg.ReconcileInterval).ReconcileOnce(cmd.Context(), true)
		return json.NewEncoder(cmd.OutOrStdout()).Encode(res)
	},
}

func init() {
	issueCmd.Flags().StringVar(&issueMode, "mode", string(ledger.ModeQuantity), "billing mode: quantity or subscription")
	issueCmd.Flags().IntVar(&issueUnits, "units", 0, "units for a quantity entitlement")
	issueCmd.Flags().IntVar(&issueDays, "days", 0, "validity in days for a subscription entitlement")

	rootCmd.AddCommand(serveCmd, versionCmd, hashKeyCmd, issueCmd, reconcileCmd)
}

func main() {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "handwrite"})
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
