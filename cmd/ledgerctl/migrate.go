package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"vpnhub/pkg/config"
	"vpnhub/pkg/db"
	"vpnhub/services/ledger"
	"vpnhub/services/reward"
	sweeps "vpnhub/services/task"
)

func migrateCmd() *cobra.Command {
	var skipSeed bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update every table and seed the settings row",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				gdb *gorm.DB
				cfg *config.Config
			)
			return withApp(cmd, func(ctx context.Context) error {
				models := append(ledger.Models(), reward.Models()...)
				models = append(models, sweeps.Models()...)
				if err := db.Migrate(ctx, gdb, models...); err != nil {
					return err
				}
				fmt.Printf("migrated %d tables\n", len(models))

				if skipSeed {
					return nil
				}
				if err := ledger.SeedSettings(ctx, gdb, ledger.DefaultSettings(cfg.Ledger.HoldDays)); err != nil {
					return fmt.Errorf("seed settings: %w", err)
				}
				fmt.Println("settings row present")
				return nil
			}, &gdb, &cfg)
		},
	}

	cmd.Flags().BoolVar(&skipSeed, "skip-seed", false, "do not insert the default settings row")

	return cmd
}
