package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Mindburn-Labs/paygate/pkg/config"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

const rootLongDesc string = `paygate enforces signed, capability-gated and priced access to HTTP routes
for autonomous agents.

  paygate serve        Run the gateway
  paygate routes       Print the loaded route table
  paygate verify-tx    Verify a direct transfer against an amount
  paygate version      Print the build version`

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "paygate",
		Short:         "paygate - payment-gated agent API enforcement",
		Long:          rootLongDesc,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML config file")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRoutesCmd())
	cmd.AddCommand(newVerifyTxCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// loadViper reads --config and the environment. Callers bind their own
// flags before decoding with config.FromViper.
func loadViper(cmd *cobra.Command) (*viper.Viper, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("could not get config flag: %w", err)
	}
	return config.InitViper(path)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v, err := loadViper(cmd)
	if err != nil {
		return nil, err
	}
	return config.FromViper(v)
}

// newLogger installs a JSON slog handler at level as the process default.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "displays version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\nSha: %s\n", version, commit)
			return err
		},
	}
}
