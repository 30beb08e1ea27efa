// Package cli provides the command-line interface for bubbles.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/javanstorm/bubbles/internal/config"
	"github.com/javanstorm/bubbles/internal/host"
)

var (
	logLevel  string
	logFormat string

	// Set by PersistentPreRunE for every command but version.
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "bubbles",
	Short: "bubbles - isolated Linux desktop VMs",
	Long: `bubbles runs lightweight Linux VMs ("bubbles") under crosvm with a
passt user-mode network and Wayland forwarding into the host session.

A shared template image is pulled once; each bubble is a private copy of it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = newLogger(os.Stderr, logLevel, logFormat, os.Getenv("BUBBLES_DEBUG") != "")
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		// Skip config loading for commands that don't need it
		switch cmd.Name() {
		case "version", "completion":
			return nil
		}

		cfg, err = config.Load()
		if err != nil {
			return err
		}
		return checkConfig(cfg)
	},
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(imageCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(terminalCmd)
}

// checkConfig logs warnings and fails on fatal validation errors.
func checkConfig(c *config.Config) error {
	sandboxed := c.Sandbox == config.SandboxOn
	if c.Sandbox == config.SandboxAuto {
		_, err := os.Stat(host.ManifestPath)
		sandboxed = err == nil
	}

	errs := config.ValidateConfig(c, sandboxed)
	for _, e := range errs {
		if !e.Fatal {
			logger.Warn("config", "field", e.Field, "message", e.Message)
		}
	}
	if config.HasFatal(errs) {
		return fmt.Errorf("invalid configuration:\n%s", config.FormatValidationErrors(errs))
	}
	return nil
}
