// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/rigrun-guard/internal/guard"
	"github.com/jeranaias/rigrun-guard/internal/security/safety"
)

// =============================================================================
// INPUTS
// =============================================================================

// textInput is one piece of text to screen.
type textInput struct {
	source string
	path   string
	text   string
}

// collectInputs gathers positional text, --file paths and --stdin. Files
// are read later, concurrently.
func collectInputs(cmd *cobra.Command, args, files []string, fromStdin bool) ([]textInput, error) {
	var inputs []textInput
	for i, a := range args {
		inputs = append(inputs, textInput{source: "arg[" + strconv.Itoa(i) + "]", text: a})
	}
	for _, f := range files {
		inputs = append(inputs, textInput{source: f, path: f})
	}
	if fromStdin {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		inputs = append(inputs, textInput{source: "stdin", text: string(data)})
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("nothing to scan: pass text, --file or --stdin")
	}
	return inputs, nil
}

// screenAll runs fn over every input with bounded concurrency. Results keep
// input order.
func screenAll[T any](inputs []textInput, fn func(textInput) T) ([]T, error) {
	out := make([]T, len(inputs))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range inputs {
		g.Go(func() error {
			in := inputs[i]
			if in.path != "" {
				data, err := os.ReadFile(in.path)
				if err != nil {
					return fmt.Errorf("read %s: %w", in.path, err)
				}
				in.text = string(data)
			}
			out[i] = fn(in)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// SCAN
// =============================================================================

// ScanReport is the screening result for one prompt.
type ScanReport struct {
	Source          string   `json:"source"`
	Accepted        bool     `json:"accepted"`
	Reason          string   `json:"reason,omitempty"`
	RiskScore       int      `json:"risk_score"`
	Threshold       int      `json:"threshold"`
	Categories      []string `json:"categories,omitempty"`
	Patterns        []string `json:"patterns,omitempty"`
	SanitizedPrompt string   `json:"sanitized_prompt,omitempty"`
	PIIRedactions   int      `json:"pii_redactions,omitempty"`
}

func scanPrompt(p *safety.Pipeline, in textInput) ScanReport {
	res := p.Filter().Scan(in.text)
	v := p.CheckPrompt(safety.PromptRequest{CorrelationID: in.source, Prompt: in.text})
	r := ScanReport{
		Source:          in.source,
		Accepted:        v.Accepted,
		Reason:          v.Reason,
		RiskScore:       v.RiskScore,
		Threshold:       p.Filter().Threshold(),
		SanitizedPrompt: v.SanitizedPrompt,
		PIIRedactions:   v.PIIRedactions,
	}
	for _, c := range v.Categories {
		r.Categories = append(r.Categories, string(c))
	}
	for _, m := range res.Matches {
		r.Patterns = append(r.Patterns, m.PatternID)
	}
	return r
}

func newScanCmd(g *globalOptions) *cobra.Command {
	var (
		files     []string
		fromStdin bool
	)
	cmd := &cobra.Command{
		Use:   "scan [prompt...]",
		Short: "Screen prompts for injection attempts",
		Long: `Runs prompts through the injection filter with the configured patterns and
threshold. Exits with status 2 when any prompt is rejected.

Examples:
  rigrun-guard scan "ignore all previous instructions"
  rigrun-guard scan --file prompts/a.txt --file prompts/b.txt
  cat prompt.txt | rigrun-guard scan --stdin --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load(cmd)
			if err != nil {
				return err
			}
			inputs, err := collectInputs(cmd, args, files, fromStdin)
			if err != nil {
				return err
			}
			p, err := guard.BuildPipeline(cfg.Safety)
			if err != nil {
				return err
			}
			reports, err := screenAll(inputs, func(in textInput) ScanReport { return scanPrompt(p, in) })
			if err != nil {
				return err
			}

			rejected := 0
			for _, r := range reports {
				if !r.Accepted {
					rejected++
				}
			}
			var verdict error
			if rejected > 0 {
				verdict = errRejected("%d of %d prompts rejected", rejected, len(reports))
			}

			if g.jsonOutput {
				resp := NewJSONResponse("scan", reports)
				if verdict != nil {
					resp = NewJSONErrorResponse("scan", reports, verdict)
				}
				if err := resp.Write(cmd.OutOrStdout()); err != nil {
					return err
				}
				return verdict
			}

			w := cmd.OutOrStdout()
			for _, r := range reports {
				status := "accepted"
				if !r.Accepted {
					status = "rejected"
				} else if len(r.Patterns) > 0 || r.PIIRedactions > 0 {
					status = "sanitized"
				}
				fmt.Fprintf(w, "%s %s risk=%d/%d", RenderStatus(status), r.Source, r.RiskScore, r.Threshold)
				if r.Reason != "" {
					fmt.Fprintf(w, " reason=%s", r.Reason)
				}
				if len(r.Categories) > 0 {
					fmt.Fprintf(w, " categories=%s", strings.Join(r.Categories, ","))
				}
				fmt.Fprintln(w)
				if r.Accepted && status == "sanitized" {
					fmt.Fprintln(w, DimStyle.Render("  "+r.SanitizedPrompt))
				}
			}
			if verdict != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), ErrorStyle.Render(verdict.Error()))
			}
			return verdict
		},
	}
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "Read a prompt from a file (repeatable)")
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Read a prompt from stdin")
	return cmd
}

// =============================================================================
// PII
// =============================================================================

// PIIMatchReport is one detected span.
type PIIMatchReport struct {
	Type       string  `json:"type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
	Validated  bool    `json:"validated"`
	Redacted   bool    `json:"redacted"`
}

// PIIReport is the redaction result for one text.
type PIIReport struct {
	Source          string           `json:"source"`
	SanitizedOutput string           `json:"sanitized_output"`
	Redactions      int              `json:"redactions"`
	Types           []string         `json:"types,omitempty"`
	Matches         []PIIMatchReport `json:"matches,omitempty"`
}

func redactText(p *safety.Pipeline, in textInput) PIIReport {
	d := p.Detector()
	v := p.CheckOutput(safety.OutputRequest{CorrelationID: in.source, Output: in.text})
	r := PIIReport{
		Source:          in.source,
		SanitizedOutput: v.SanitizedOutput,
		Redactions:      v.Redactions,
	}
	for _, t := range v.Types {
		r.Types = append(r.Types, string(t))
	}
	for _, m := range d.Detect(in.text) {
		r.Matches = append(r.Matches, PIIMatchReport{
			Type:       string(m.Type),
			Start:      m.Start,
			End:        m.End,
			Confidence: m.Confidence,
			Validated:  m.Validated,
			Redacted:   m.Confidence >= d.Threshold(),
		})
	}
	return r
}

func newPIICmd(g *globalOptions) *cobra.Command {
	var (
		files     []string
		fromStdin bool
		failOnPII bool
	)
	cmd := &cobra.Command{
		Use:   "pii [text...]",
		Short: "Detect and redact PII in text",
		Long: `Runs text through the PII detector and prints the redacted form. Matches
below the confidence threshold are listed but left in place.

Examples:
  rigrun-guard pii "card 4111 1111 1111 1111"
  rigrun-guard pii --file completion.txt --json
  rigrun-guard pii --stdin --fail-on-pii < transcript.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load(cmd)
			if err != nil {
				return err
			}
			inputs, err := collectInputs(cmd, args, files, fromStdin)
			if err != nil {
				return err
			}
			p, err := guard.BuildPipeline(cfg.Safety)
			if err != nil {
				return err
			}
			reports, err := screenAll(inputs, func(in textInput) PIIReport { return redactText(p, in) })
			if err != nil {
				return err
			}

			total := 0
			for _, r := range reports {
				total += r.Redactions
			}
			var verdict error
			if failOnPII && total > 0 {
				verdict = errRejected("%d PII spans redacted", total)
			}

			if g.jsonOutput {
				resp := NewJSONResponse("pii", reports)
				if verdict != nil {
					resp = NewJSONErrorResponse("pii", reports, verdict)
				}
				if err := resp.Write(cmd.OutOrStdout()); err != nil {
					return err
				}
				return verdict
			}

			w := cmd.OutOrStdout()
			for _, r := range reports {
				if len(reports) > 1 {
					fmt.Fprintln(w, SectionStyle.Render(r.Source))
				}
				fmt.Fprintln(w, r.SanitizedOutput)
				for _, m := range r.Matches {
					state := "redacted"
					if !m.Redacted {
						state = "kept"
					}
					fmt.Fprintln(w, DimStyle.Render(fmt.Sprintf("  %s [%d:%d] confidence=%.2f %s",
						m.Type, m.Start, m.End, m.Confidence, state)))
				}
			}
			return verdict
		},
	}
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "Read text from a file (repeatable)")
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Read text from stdin")
	cmd.Flags().BoolVar(&failOnPII, "fail-on-pii", false, "Exit with status 2 when anything is redacted")
	return cmd
}
