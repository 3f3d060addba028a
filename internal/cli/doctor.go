// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// doctor.go - Doctor command implementation for rigrun-guard.
//
// Command: doctor
// Short:   Check the installation without starting the boundary
//
// Health Checks Performed:
//   1. Config Valid       - Loads and validates the configuration
//   2. Config Permissions - Config file is owner-only
//   3. Key Salt           - Salt exists with owner-only permissions
//   4. Key Derivation     - PBKDF2 work factor is current
//   5. Content Patterns   - Injection patterns compile
//   6. Sandbox            - Sandbox policy compiles on this platform
//   7. Audit Chain Key    - Keyed chain key, when set, is well formed
//   8. Audit Log          - Audit log chain verifies
//   9. Audit Archive      - Archive opens and is queryable
//
// Exit Codes:
//   0   No check failed
//   2   One or more checks failed

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-guard/internal/config"
	"github.com/jeranaias/rigrun-guard/internal/guard"
	"github.com/jeranaias/rigrun-guard/internal/security/audit"
	"github.com/jeranaias/rigrun-guard/internal/security/crypto"
	"github.com/jeranaias/rigrun-guard/internal/security/sandbox"
	"github.com/jeranaias/rigrun-guard/internal/util"
)

// =============================================================================
// HEALTH CHECK TYPES
// =============================================================================

// CheckStatus represents the status of a health check.
type CheckStatus int

const (
	// CheckPass indicates the check passed successfully.
	CheckPass CheckStatus = iota
	// CheckWarn indicates the check passed with warnings.
	CheckWarn
	// CheckFail indicates the check failed.
	CheckFail
)

// String returns the string representation of the check status.
func (s CheckStatus) String() string {
	switch s {
	case CheckPass:
		return "Pass"
	case CheckWarn:
		return "Warn"
	case CheckFail:
		return "Fail"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the status by name.
func (s CheckStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Symbol returns the rendered status marker.
func (s CheckStatus) Symbol() string {
	switch s {
	case CheckPass:
		return RenderStatus("ok")
	case CheckWarn:
		return RenderStatus("warn")
	case CheckFail:
		return RenderStatus("fail")
	default:
		return "?"
	}
}

// HealthCheck represents a single health check result.
type HealthCheck struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message"`
	Fix     string      `json:"fix,omitempty"`
}

// Render returns a formatted string representation of the health check.
func (c *HealthCheck) Render() string {
	result := fmt.Sprintf("%s %s %s", c.Status.Symbol(), RenderLabel(c.Name), c.Message)
	if c.Status != CheckPass && c.Fix != "" {
		result += "\n" + DimStyle.Render("     -> "+c.Fix)
	}
	return result
}

// =============================================================================
// CHECKS
// =============================================================================

// runChecks evaluates the installation described by configPath.
func runChecks(ctx context.Context, configPath string) []HealthCheck {
	var checks []HealthCheck
	add := func(name string, status CheckStatus, msg, fix string) {
		checks = append(checks, HealthCheck{Name: name, Status: status, Message: msg, Fix: fix})
	}

	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			add("Config Valid", CheckFail, err.Error(), "set HOME or pass --config")
			return checks
		}
		path = p
	}

	// 1-2. Configuration. Permissions first: Load tightens them.
	_, statErr := os.Stat(path)
	var permErr error
	if statErr == nil {
		permErr = util.CheckPrivatePerm(path)
	}
	cfg, err := config.Load(path)
	switch {
	case err != nil:
		add("Config Valid", CheckFail, err.Error(), "fix "+path+" or rerun rigrun-guard init --force")
		cfg = config.Default()
	case errors.Is(statErr, os.ErrNotExist):
		add("Config Valid", CheckWarn, "no config file, defaults in use", "rigrun-guard init")
	default:
		add("Config Valid", CheckPass, path, "")
	}
	for _, w := range cfg.Warnings() {
		add("Config Warning", CheckWarn, w, "")
	}
	if statErr == nil {
		if permErr != nil {
			add("Config Permissions", CheckWarn, permErr.Error()+" (tightened to 0600)", "")
		} else {
			add("Config Permissions", CheckPass, "owner-only", "")
		}
	}

	// 3. Key salt
	if _, err := crypto.LoadSalt(cfg.Vault.SaltPath); err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			add("Key Salt", CheckWarn, "not created yet: "+cfg.Vault.SaltPath, "rigrun-guard init")
		case errors.Is(err, crypto.ErrSaltPermissions):
			add("Key Salt", CheckFail, err.Error(), "chmod 600 "+cfg.Vault.SaltPath)
		default:
			add("Key Salt", CheckFail, err.Error(), "")
		}
	} else {
		add("Key Salt", CheckPass, cfg.Vault.SaltPath, "")
	}

	// 4. Key derivation work factor
	iter := strconv.Itoa(cfg.Vault.Iterations) + " PBKDF2 iterations"
	if crypto.IterationsOutdated(cfg.Vault.Iterations) {
		add("Key Derivation", CheckWarn, iter+" (outdated)",
			"set vault.iterations = "+strconv.Itoa(crypto.DefaultIterations)+" and reseal models")
	} else {
		add("Key Derivation", CheckPass, iter, "")
	}

	// 5. Content patterns
	if p, err := guard.BuildPipeline(cfg.Safety); err != nil {
		add("Content Patterns", CheckFail, err.Error(), "fix safety.patterns_file")
	} else {
		add("Content Patterns", CheckPass, fmt.Sprintf("%d patterns, risk threshold %d",
			p.Filter().PatternCount(), p.Filter().Threshold()), "")
	}

	// 6. Sandbox
	rep, err := sandbox.New().Check(cfg.Sandbox.Policy())
	switch {
	case err == nil:
		msg := rep.Strategy
		if rep.AllowedSyscalls > 0 {
			msg += fmt.Sprintf(", %d syscalls allowed", rep.AllowedSyscalls)
		}
		add("Sandbox", CheckPass, msg, "")
	case errors.Is(err, sandbox.ErrUnsupported) && !cfg.Sandbox.Enabled:
		add("Sandbox", CheckWarn, err.Error(), "")
	default:
		add("Sandbox", CheckFail, err.Error(), "fix sandbox.allowed_syscalls or set sandbox.enabled = false")
	}

	// 7. Audit chain key
	key, err := audit.LoadChainKey()
	switch {
	case err != nil:
		add("Audit Chain Key", CheckFail, err.Error(), "export "+audit.ChainKeyEnvVar+" as 64 hex characters")
	case key == nil:
		add("Audit Chain Key", CheckPass, "unkeyed SHA-256 chain", "")
	default:
		add("Audit Chain Key", CheckPass, "keyed chain", "")
	}

	// 8. Audit log
	if lp := cfg.Audit.LogPath; lp != "" {
		if _, err := os.Stat(lp); errors.Is(err, os.ErrNotExist) {
			add("Audit Log", CheckPass, "not created yet: "+lp, "")
		} else if res := audit.VerifyFile(lp, key); res.Valid {
			add("Audit Log", CheckPass, fmt.Sprintf("%d entries verified", res.Lines), "")
		} else {
			add("Audit Log", CheckFail, fmt.Sprintf("line %d: %s", res.ErrorLine, res.Error),
				"preserve the log for investigation")
		}
	}

	// 9. Audit archive
	if ap := cfg.Audit.ArchivePath; ap != "" {
		if _, err := os.Stat(ap); errors.Is(err, os.ErrNotExist) {
			add("Audit Archive", CheckPass, "not created yet: "+ap, "")
		} else if a, err := audit.OpenArchive(ap); err != nil {
			add("Audit Archive", CheckFail, err.Error(), "")
		} else {
			n, err := a.Count(ctx)
			a.Close()
			if err != nil {
				add("Audit Archive", CheckFail, err.Error(), "")
			} else {
				add("Audit Archive", CheckPass, fmt.Sprintf("%d events", n), "")
			}
		}
	}

	return checks
}

// =============================================================================
// COMMAND
// =============================================================================

// DoctorOutput is the JSON form of doctor.
type DoctorOutput struct {
	Checks []HealthCheck `json:"checks"`
	Passed int           `json:"passed"`
	Warned int           `json:"warned"`
	Failed int           `json:"failed"`
}

func newDoctorCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "doctor",
		Aliases: []string{"diag"},
		Short:   "Check the installation without starting the boundary",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := DoctorOutput{Checks: runChecks(cmd.Context(), g.configPath)}
			for _, c := range out.Checks {
				switch c.Status {
				case CheckPass:
					out.Passed++
				case CheckWarn:
					out.Warned++
				case CheckFail:
					out.Failed++
				}
			}
			var verdict error
			if out.Failed > 0 {
				verdict = errRejected("%d checks failed", out.Failed)
			}

			if g.jsonOutput {
				resp := NewJSONResponse("doctor", out)
				if verdict != nil {
					resp = NewJSONErrorResponse("doctor", out, verdict)
				}
				if err := resp.Write(cmd.OutOrStdout()); err != nil {
					return err
				}
				return verdict
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, TitleStyle.Render("rigrun-guard doctor"))
			fmt.Fprintln(w, RenderSeparator())
			for i := range out.Checks {
				fmt.Fprintln(w, out.Checks[i].Render())
			}
			fmt.Fprintln(w, RenderSeparator())
			fmt.Fprintf(w, "%d passed, %d warnings, %d failed\n", out.Passed, out.Warned, out.Failed)
			return verdict
		},
	}
}
