package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/zph/wsusctl/pkg/operation"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Start or stop the WSUS service stack",
	Long: `Start or stop SQL Server Express, IIS and WSUS together. Start runs in
dependency order and stops at the first service that fails to come up.
Stop runs in reverse order and keeps going past failures.`,
}

var servicesStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start SQL Server Express, IIS and WSUS",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			return a.run(ctx, "Start Services", func(ctx context.Context, progress operation.Progress) operation.Result {
				return a.services.StartAll(ctx, progress)
			})
		})
	},
}

var servicesStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop WSUS, IIS and SQL Server Express",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			return a.run(ctx, "Stop Services", func(ctx context.Context, progress operation.Progress) operation.Result {
				return a.services.StopAll(ctx, progress)
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(servicesCmd)
	servicesCmd.AddCommand(servicesStartCmd, servicesStopCmd)
}
