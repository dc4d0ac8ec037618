package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/airlink/internal/config"
	"github.com/rudransh-shrivastava/airlink/internal/logger"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:          `airlink`,
	Long:         `airlink finds nearby peers on the local network, chats with them and sends them files`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: airlink.yaml in ., ./configs or ~/.airlink)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "overrides log.level")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(historyCmd)
}

// setup loads the configuration and builds the logger for a command.
func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	log, err := logger.New(cfg.LoggerOptions())
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
