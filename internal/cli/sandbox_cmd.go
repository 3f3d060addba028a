// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-guard/internal/security/sandbox"
)

// SandboxCheckOutput is the JSON form of sandbox check.
type SandboxCheckOutput struct {
	Enabled            bool   `json:"enabled"`
	Strategy           string `json:"strategy"`
	MemoryLimitBytes   uint64 `json:"memory_limit_bytes"`
	CPUTimeLimit       string `json:"cpu_time_limit,omitempty"`
	GPUEnabled         bool   `json:"gpu_enabled"`
	ExtraSyscalls      int    `json:"extra_syscalls"`
	AllowedSyscalls    int    `json:"allowed_syscalls"`
	FilterInstructions int    `json:"filter_instructions"`
	Applied            bool   `json:"applied"`
}

func newSandboxCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Inspect process confinement",
	}
	cmd.AddCommand(newSandboxCheckCmd(g))
	return cmd
}

func newSandboxCheckCmd(g *globalOptions) *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compile the configured sandbox policy without starting the boundary",
		Long: `Resolves the configured syscall allow-list and compiles the filter, which
catches unknown syscall names and oversized allow-lists. With --apply the
policy is also installed on this process, proving the kernel accepts it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			policy := cfg.Sandbox.Policy()
			sb := sandbox.New(sandbox.WithLogger(logger))

			rep, err := sb.Check(policy)
			if err != nil {
				return err
			}
			out := SandboxCheckOutput{
				Enabled:            cfg.Sandbox.Enabled,
				Strategy:           rep.Strategy,
				MemoryLimitBytes:   policy.MemoryLimit,
				GPUEnabled:         policy.GPUEnabled,
				ExtraSyscalls:      len(policy.AllowedSyscalls),
				AllowedSyscalls:    rep.AllowedSyscalls,
				FilterInstructions: rep.FilterInstructions,
			}
			if policy.CPUTimeLimit > 0 {
				out.CPUTimeLimit = policy.CPUTimeLimit.String()
			}
			if apply {
				if err := sb.Apply(policy); err != nil {
					return err
				}
				out.Applied = true
			}

			if g.jsonOutput {
				return NewJSONResponse("sandbox check", out).Write(cmd.OutOrStdout())
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, TitleStyle.Render("Sandbox"))
			enabled := "ok"
			if !out.Enabled {
				enabled = "warn"
			}
			fmt.Fprintln(w, renderField("Enabled", RenderStatus(enabled)+" "+strconv.FormatBool(out.Enabled)))
			fmt.Fprintln(w, renderField("Strategy", out.Strategy))
			fmt.Fprintln(w, renderField("Memory limit", strconv.FormatUint(out.MemoryLimitBytes>>20, 10)+" MiB"))
			if out.CPUTimeLimit != "" {
				fmt.Fprintln(w, renderField("CPU time limit", out.CPUTimeLimit))
			}
			fmt.Fprintln(w, renderField("GPU", strconv.FormatBool(out.GPUEnabled)))
			if out.FilterInstructions > 0 {
				fmt.Fprintln(w, renderField("Allowed syscalls", strconv.Itoa(out.AllowedSyscalls)))
				fmt.Fprintln(w, renderField("Filter length", strconv.Itoa(out.FilterInstructions)))
			}
			if out.Applied {
				fmt.Fprintf(w, "%s policy applied to this process\n", RenderStatus("ok"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "Also install the policy on this process")
	return cmd
}
