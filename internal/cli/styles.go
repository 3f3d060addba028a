// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// styles.go - Centralized styling for all rigrun-guard commands.
//
// Colors are disabled for non-TTY output and respect NO_COLOR and
// FORCE_COLOR. Only fixed colors are used: adaptive colors query the
// terminal background, which the sandbox forbids.

package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// init pins the lipgloss color profile so rendering never probes the
// terminal after startup.
func init() {
	lipgloss.SetColorProfile(GetColorProfile())
}

// =============================================================================
// SHARED STYLES
// =============================================================================

var (
	// TitleStyle is used for command titles
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")) // Cyan

	// SectionStyle is used for section headers within commands
	SectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")) // White

	// LabelStyle is used for field labels
	LabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")). // Light gray
			Width(20)

	// ValueStyle is used for regular values
	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")). // Green
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")). // Red
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")) // Orange

	// DimStyle is used for hints and secondary information
	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))

	SeparatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// =============================================================================
// HELPERS
// =============================================================================

// RenderSeparator renders a horizontal separator line. Default width is 60.
func RenderSeparator(width ...int) string {
	w := 60
	if len(width) > 0 && width[0] > 0 {
		w = width[0]
	}
	return SeparatorStyle.Render(strings.Repeat("=", w))
}

// RenderStatus renders a status indicator with appropriate color.
func RenderStatus(status string) string {
	switch strings.ToLower(status) {
	case "ok", "pass", "accepted", "valid":
		return SuccessStyle.Render("[OK]")
	case "fail", "failed", "rejected", "invalid":
		return ErrorStyle.Render("[FAIL]")
	case "warn", "warning", "sanitized":
		return WarningStyle.Render("[WARN]")
	default:
		return DimStyle.Render("[" + strings.ToUpper(status) + "]")
	}
}

// RenderLabel renders a label with consistent width.
func RenderLabel(label string, width ...int) string {
	if len(width) > 0 && width[0] > 0 {
		return LabelStyle.Width(width[0]).Render(label)
	}
	return LabelStyle.Render(label)
}

// renderField renders "label value" on one line.
func renderField(label, value string) string {
	return RenderLabel(label) + ValueStyle.Render(value)
}
