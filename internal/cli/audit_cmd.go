// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-guard/internal/config"
	"github.com/jeranaias/rigrun-guard/internal/security/audit"
	"github.com/jeranaias/rigrun-guard/internal/util"
)

func newAuditCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log operations",
		Long: `Commands for verifying and searching the hash-chained audit log.

Set ` + audit.ChainKeyEnvVar + ` when the log was written with a keyed chain.`,
	}
	cmd.AddCommand(
		newAuditVerifyCmd(g),
		newAuditQueryCmd(g),
		newAuditExportCmd(g),
	)
	return cmd
}

// =============================================================================
// VERIFY
// =============================================================================

// auditLogPath returns the explicit path or the configured log.
func auditLogPath(cfg *config.Config, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if cfg.Audit.LogPath == "" {
		return "", fmt.Errorf("no audit log configured: pass a path")
	}
	return cfg.Audit.LogPath, nil
}

func newAuditVerifyCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [path]",
		Short: "Verify hash chain integrity of an audit log",
		Long: `Walks the JSONL audit log and checks that every entry's prev_hash matches
the hash of the previous line. Exits 0 if intact, 2 if tampered.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load(cmd)
			if err != nil {
				return err
			}
			path, err := auditLogPath(cfg, args)
			if err != nil {
				return err
			}
			key, err := audit.LoadChainKey()
			if err != nil {
				return err
			}

			res := audit.VerifyFile(path, key)
			var verdict error
			if !res.Valid {
				verdict = errRejected("audit chain broken at line %d: %s", res.ErrorLine, res.Error)
			}

			if g.jsonOutput {
				resp := NewJSONResponse("audit verify", res)
				if verdict != nil {
					resp = NewJSONErrorResponse("audit verify", res, verdict)
				}
				if err := resp.Write(cmd.OutOrStdout()); err != nil {
					return err
				}
				return verdict
			}

			w := cmd.OutOrStdout()
			if res.Valid {
				msg := fmt.Sprintf("%d entries verified", res.Lines)
				if res.Truncated {
					msg += " (truncated export, first entry is not genesis)"
				}
				fmt.Fprintf(w, "%s %s\n", RenderStatus("ok"), msg)
				return nil
			}
			fmt.Fprintf(w, "%s line %d: %s\n", RenderStatus("fail"), res.ErrorLine, res.Error)
			return verdict
		},
	}
}

// =============================================================================
// QUERY AND EXPORT
// =============================================================================

// filterFlags are shared by query and export.
type filterFlags struct {
	severity      string
	categories    []string
	outcome       string
	action        string
	identity      string
	correlationID string
	since         time.Duration
	limit         int
	fromArchive   bool
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.severity, "severity", "", "Minimum severity (info, notice, warning, error, critical)")
	cmd.Flags().StringSliceVar(&f.categories, "category", nil, "Categories to include (repeatable)")
	cmd.Flags().StringVar(&f.outcome, "outcome", "", "Outcome (success, failure, denied, blocked)")
	cmd.Flags().StringVar(&f.action, "action", "", "Action, e.g. AUTH_FAILURE")
	cmd.Flags().StringVar(&f.identity, "identity", "", "Identity")
	cmd.Flags().StringVar(&f.correlationID, "correlation-id", "", "Correlation ID")
	cmd.Flags().DurationVar(&f.since, "since", 0, "Only events newer than this, e.g. 24h")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 0, "Keep only the most recent N events")
	cmd.Flags().BoolVar(&f.fromArchive, "archive", false, "Read from the SQLite archive instead of the log")
}

func (f *filterFlags) filter() (audit.Filter, error) {
	out := audit.Filter{
		Outcome:       audit.Outcome(f.outcome),
		Action:        strings.ToUpper(f.action),
		Identity:      f.identity,
		CorrelationID: f.correlationID,
		Limit:         f.limit,
	}
	if f.severity != "" {
		sev, err := audit.ParseSeverity(f.severity)
		if err != nil {
			return out, err
		}
		out.MinSeverity = sev
	}
	for _, c := range f.categories {
		out.Categories = append(out.Categories, audit.Category(c))
	}
	if f.since > 0 {
		out.Since = time.Now().Add(-f.since)
	}
	if f.limit < 0 {
		return out, fmt.Errorf("--limit must not be negative")
	}
	return out, nil
}

// events runs the filter against the archive or the log file.
func (f *filterFlags) events(cmd *cobra.Command, cfg *config.Config, args []string) ([]audit.Event, error) {
	flt, err := f.filter()
	if err != nil {
		return nil, err
	}
	if !f.fromArchive {
		path, err := auditLogPath(cfg, args)
		if err != nil {
			return nil, err
		}
		return audit.ReadLogFile(path, flt)
	}

	path := cfg.Audit.ArchivePath
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return nil, fmt.Errorf("no audit archive configured: set audit.archive_path or pass a path")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audit archive: %w", err)
	}
	a, err := audit.OpenArchive(path)
	if err != nil {
		return nil, err
	}
	defer a.Close()
	return a.Query(cmd.Context(), flt)
}

func newAuditQueryCmd(g *globalOptions) *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "query [path]",
		Short: "Search audit events",
		Long: `Searches the audit log, or the archive with --archive, and prints matching
events oldest first.

Examples:
  rigrun-guard audit query --category authentication --outcome failure
  rigrun-guard audit query --severity warning --since 24h
  rigrun-guard audit query --archive --action PROMPT_REJECTED -n 20`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load(cmd)
			if err != nil {
				return err
			}
			events, err := ff.events(cmd, cfg, args)
			if err != nil {
				return err
			}
			if g.jsonOutput {
				return NewJSONResponse("audit query", events).Write(cmd.OutOrStdout())
			}
			w := cmd.OutOrStdout()
			for _, e := range events {
				writeEventLine(w, e)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), DimStyle.Render(fmt.Sprintf("%d events", len(events))))
			return nil
		},
	}
	ff.register(cmd)
	return cmd
}

// writeEventLine prints one event in a compact, greppable form.
func writeEventLine(w io.Writer, e audit.Event) {
	style := ValueStyle
	switch {
	case e.Severity >= audit.SeverityError:
		style = ErrorStyle
	case e.Severity >= audit.SeverityWarning:
		style = WarningStyle
	}
	line := fmt.Sprintf("%s %-8s %-15s %-28s %s",
		e.Timestamp.Format(time.RFC3339), e.Severity, e.Category, e.Action, e.Outcome)
	if e.Identity != "" {
		line += " identity=" + e.Identity
	}
	if e.CorrelationID != "" {
		line += " correlation=" + e.CorrelationID
	}
	keys := make([]string, 0, len(e.Detail))
	for k := range e.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += " " + k + "=" + e.Detail[k]
	}
	fmt.Fprintln(w, style.Render(line))
}

func newAuditExportCmd(g *globalOptions) *cobra.Command {
	var (
		ff     filterFlags
		output string
	)
	cmd := &cobra.Command{
		Use:   "export [path]",
		Short: "Export audit events as newline-delimited JSON",
		Long: `Writes matching events as NDJSON, one event per line, for SIEM ingestion.
A filtered export is a selection and does not verify as a chain.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load(cmd)
			if err != nil {
				return err
			}
			events, err := ff.events(cmd, cfg, args)
			if err != nil {
				return err
			}

			var buf strings.Builder
			enc := json.NewEncoder(&buf)
			for _, e := range events {
				if err := enc.Encode(e); err != nil {
					return fmt.Errorf("encode event %s: %w", e.ID, err)
				}
			}
			if output == "" || output == "-" {
				_, err := io.WriteString(cmd.OutOrStdout(), buf.String())
				return err
			}
			if err := util.AtomicWriteFile(output, []byte(buf.String()), 0600); err != nil {
				return NewCommandError("audit", "export", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d events to %s\n", len(events), output)
			return nil
		},
	}
	ff.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to a file instead of stdout")
	return cmd
}
