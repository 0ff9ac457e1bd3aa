package main

import (
	"fmt"
	"os"

	"github.com/MimeLyc/procmap-orchestrator/internal/config"
	"github.com/MimeLyc/procmap-orchestrator/pkg/log"
	"github.com/spf13/cobra"
)

// set at build time with -ldflags "-X main.version=..."
var version = "dev"

func newRootCommand() *cobra.Command {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:           "procmap",
		Short:         "Track process-map analysis runs on the processing service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")

	load := func() (*config.Config, error) {
		cfg, err := config.New()
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		if logLevel != "" {
			cfg.System.LogLevel = logLevel
		}
		// stdout belongs to command output
		log.SetLogger(log.NewLoggerTo(os.Stderr, log.ParseLevel(cfg.System.LogLevel)))
		return cfg, nil
	}

	rootCmd.AddCommand(newServeCommand(load))
	rootCmd.AddCommand(newSubmitCommand(load))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "procmap %s\n", version)
			return err
		},
	}
}
