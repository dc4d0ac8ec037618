package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	runName        string
	runMetricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "joins the local network as a chat peer",
	Long:  `runs an interactive node: advertises this user, discovers peers on the LAN and reads commands from stdin`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		if runName != "" {
			cfg.Name = runName
		}
		if runMetricsAddr != "" {
			cfg.MetricsAddr = runMetricsAddr
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runNode(ctx, cfg, log, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	runCmd.Flags().StringVarP(&runName, "name", "n", "", "display name shown to peers")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
}
