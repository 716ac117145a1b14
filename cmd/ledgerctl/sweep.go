package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	sweeps "vpnhub/services/task"
)

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a sweep once, outside the scheduler",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "holds",
		Short: "Release every referral hold whose expiry has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc *sweeps.Service
			return withApp(cmd, func(ctx context.Context) error {
				res, err := svc.RunHoldRelease(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("scanned=%d released=%d skipped=%d\n", res.Scanned, res.Released, res.Skipped)
				return nil
			}, &svc)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "payments",
		Short: "Fail pending payments older than the payment timeout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc *sweeps.Service
			return withApp(cmd, func(ctx context.Context) error {
				n, err := svc.RunPaymentTimeout(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("failed=%d\n", n)
				return nil
			}, &svc)
		},
	})

	return cmd
}
