// Package cli holds the command-line entry points of the trading agent.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"convergence-trading-bot/config"
	"convergence-trading-bot/internal/auth"
	"convergence-trading-bot/internal/reconcile"
	"convergence-trading-bot/internal/snapshot"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "convergence-bot",
		Short: "Convergence trading agent for one spot symbol",
		Long: `convergence-bot enters a long position when a quorum of indicators agree
and exits once enough timeframes diverge for long enough.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newReconcileCmd())
	rootCmd.AddCommand(newSnapshotCmd())
	rootCmd.AddCommand(newTokenCmd())

	rootCmd.PersistentFlags().String("config", "config.yaml", "Configuration file path (JSON or YAML)")

	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// newRunCmd creates the run command
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trading loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			simulate, _ := cmd.Flags().GetBool("simulate")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			if dryRun {
				cfg.TradingConfig.DryRun = true
			}
			return runBot(cfg, runOptions{simulate: simulate})
		},
	}

	cmd.Flags().Bool("simulate", false, "Trade a simulated random-walk market with paper fills")
	cmd.Flags().Bool("dry-run", false, "Evaluate signals and log decisions without submitting orders")

	return cmd
}

func runBot(cfg *config.Config, opts runOptions) error {
	logger := newLogger(cfg)

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer a.close()

	logger.Info("Starting convergence bot",
		"symbol", cfg.TradingConfig.Symbol,
		"interval", cfg.TradingConfig.Interval,
		"paper", cfg.BinanceConfig.PaperMode || opts.simulate,
		"dry_run", cfg.TradingConfig.DryRun)

	err = a.run(ctx)
	logger.Info("Convergence bot stopped")
	return err
}

// newReconcileCmd creates the reconcile command
func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Print the position derived from the trade ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if err := resolveCredentials(ctx, cfg, logger); err != nil {
				return err
			}
			ex, _ := newLiveExchange(cfg, logger)
			position, err := reconcile.NewReconciler(ex, cfg.TradingConfig.LedgerLookback(), logger).Reconcile(ctx)
			if err != nil {
				return err
			}
			balance, err := ex.GetBalance(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Symbol:          %s\n", cfg.TradingConfig.Symbol)
			fmt.Printf("Ledger position: %s %s\n", position, cfg.TradingConfig.BaseAsset)
			fmt.Printf("Account balance: %s %s (free %s, locked %s)\n",
				balance.Total(), balance.Asset, balance.Free, balance.Locked)
			return nil
		},
	}
}

// newSnapshotCmd creates the snapshot command
func newSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the stored recovery snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			store, client, err := newSnapshotStore(cfg, logger)
			if err != nil {
				return err
			}
			if client != nil {
				defer client.Close()
			}

			return printSummary(store.Load(cmd.Context()))
		},
	}
}

func printSummary(s snapshot.Summary) error {
	if s.IsZero() {
		fmt.Println("No recovery snapshot stored")
		return nil
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// newTokenCmd creates the token command
func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin token for the halt endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.AuthConfig.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			operator, _ := cmd.Flags().GetString("operator")

			token, err := newJWTManager(cfg.AuthConfig).GenerateToken(auth.OperatorClaims{
				Operator: operator,
				IsAdmin:  true,
			})
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().String("operator", "admin", "Operator name recorded in the token")

	return cmd
}
