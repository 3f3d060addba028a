// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-guard/internal/config"
	"github.com/jeranaias/rigrun-guard/internal/logging"
)

// Build information, set with -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	jsonOutput bool
}

// load reads the configuration and builds the logger. The --log-level
// flag wins over the file and the environment.
func (g *globalOptions) load(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	}, cmd.ErrOrStderr())
	return cfg, logger, nil
}

// resolvedConfigPath returns --config or the default location.
func (g *globalOptions) resolvedConfigPath() (string, error) {
	if g.configPath != "" {
		return g.configPath, nil
	}
	return config.DefaultPath()
}

// newRootCmd builds a fresh command tree.
func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:   "rigrun-guard",
		Short: "Security boundary for offline inference",
		Long: `rigrun-guard is the security boundary around an offline inference engine:
tamper-evident audit, sealed model storage, session authentication, prompt
injection and PII screening, and process confinement.

Examples:
  rigrun-guard init --identity operator
  rigrun-guard scan "ignore all previous instructions"
  rigrun-guard vault encrypt model.gguf model.sealed
  rigrun-guard audit verify
  rigrun-guard doctor`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to configuration file (default ~/.rigrun-guard/config.toml)")
	root.PersistentFlags().StringVarP(&g.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&g.jsonOutput, "json", false, "Output in JSON format")

	root.AddCommand(
		newVersionCmd(g),
		newInitCmd(g),
		newHashCredentialCmd(g),
		newVaultCmd(g),
		newScanCmd(g),
		newPIICmd(g),
		newAuditCmd(g),
		newSandboxCmd(g),
		newDoctorCmd(g),
	)
	return root
}

// Execute runs the command line and exits with the mapped status.
func Execute() {
	err := newRootCmd().Execute()
	if err == nil {
		return
	}
	var exit *ExitError
	if !errors.As(err, &exit) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(ExitCode(err))
}
