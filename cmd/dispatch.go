package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var dispatchDetach bool

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <load-id>",
	Short: "Offer a qualified load to carriers tier by tier",
	Long:  "Runs the tier schedule in the foreground until every tier is processed or the load is withdrawn. With --detach the schedule is handed to the durable worker instead.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		if dispatchDetach {
			if env.Temporal == nil {
				zap.L().Warn("no temporal host configured, running in the foreground")
			} else {
				return env.Launcher.Start(ctx, args[0])
			}
		}

		sum, err := env.Scheduler.Run(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), sum)
	},
}

func init() {
	dispatchCmd.Flags().BoolVar(&dispatchDetach, "detach", false, "start a durable workflow and return")
	rootCmd.AddCommand(dispatchCmd)
}
