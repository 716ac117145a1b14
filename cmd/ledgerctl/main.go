package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"vpnhub/pkg/config"
	"vpnhub/pkg/db"
	"vpnhub/pkg/gen"
	"vpnhub/pkg/logger"
	"vpnhub/pkg/redis"
	"vpnhub/pkg/sequence"
	"vpnhub/services/ledger"
	"vpnhub/services/payment"
	"vpnhub/services/referral"
	sweeps "vpnhub/services/task"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "ledgerctl",
		Short:   "Operator commands for the vpnhub ledger",
		Version: Version,
	}

	rootCmd.PersistentFlags().Duration("timeout", 10*time.Minute, "abort the command after this long")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(rebuildCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp starts the dependency graph, fills targets and stops it once run returns.
func withApp(cmd *cobra.Command, run func(ctx context.Context) error, targets ...any) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		ledger.Module,
		payment.Module,
		referral.Module,
		fx.Provide(sweeps.NewService),
		fx.Populate(targets...),
		fxLogger,
	)
	if err := app.Err(); err != nil {
		return err
	}

	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
		defer stop()
		_ = app.Stop(stopCtx)
	}()

	return run(ctx)
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
