package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"vpnhub/services/ledger"
	"vpnhub/services/referral"
)

func rebuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute derived data",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "referral [user-id]",
		Short: "Rebuild denormalized referral edges for one user, or everyone",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc *referral.Service
			return withApp(cmd, func(ctx context.Context) error {
				var (
					res referral.RebuildResult
					err error
				)
				if len(args) == 1 {
					res, err = svc.RebuildChain(ctx, args[0])
				} else {
					res, err = svc.RebuildAll(ctx)
				}
				if err != nil {
					return err
				}
				fmt.Printf("created=%d updated=%d deleted=%d\n", res.Created, res.Updated, res.Deleted)
				return nil
			}, &svc)
		},
	})

	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [user-id]",
		Short: "Compare a balance against the sum of its transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc *ledger.Service
			return withApp(cmd, func(ctx context.Context) error {
				drifts, err := svc.Reconcile(ctx, args[0])
				if err != nil {
					return err
				}
				if len(drifts) == 0 {
					fmt.Println("balance matches transactions")
					return nil
				}
				for _, d := range drifts {
					fmt.Printf("%s stored=%s expected=%s\n", d.BalanceType, d.Stored, d.Expected)
				}
				return fmt.Errorf("%d balance columns drifted", len(drifts))
			}, &svc)
		},
	}
}
