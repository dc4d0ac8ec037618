package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var simOpts simulation

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "runs two in-memory peers through a full session",
	Long:  `runs Alice and Bob on an in-process network: discovery, connection, handshake, a chat exchange and a file transfer`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, log, err := setup()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return simulate(ctx, log, cmd.OutOrStdout(), simOpts)
	},
}

func init() {
	simulateCmd.Flags().StringVarP(&simOpts.FilePath, "file", "f", "", "file Alice sends to Bob (default: a generated photo.jpg)")
	simulateCmd.Flags().Int64Var(&simOpts.FileSize, "size", 1<<20, "size of the generated file")
	simulateCmd.Flags().DurationVar(&simOpts.Timeout, "timeout", 30*time.Second, "how long to wait for each step")
	simulateCmd.Flags().DurationVar(&simOpts.ChunkDelay, "chunk-delay", 20*time.Millisecond, "pause between file chunks")
}
