// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// output.go - JSON output support for SIEM integration.
//
// Every command accepts --json and then writes exactly one envelope to
// stdout. Human-readable diagnostics go to stderr.

package cli

import (
	"encoding/json"
	"io"
	"time"
)

// JSONResponse is the standardized response format for all CLI commands.
type JSONResponse struct {
	// Success indicates whether the command completed successfully
	Success bool `json:"success"`

	// Data contains the command-specific response data
	Data any `json:"data"`

	// Error contains the error message if Success is false, null otherwise
	Error *string `json:"error"`

	// Timestamp is the RFC 3339 time the response was generated
	Timestamp string `json:"timestamp"`

	// Command is the command that was executed
	Command string `json:"command,omitempty"`
}

// NewJSONResponse creates a new successful JSON response.
func NewJSONResponse(command string, data any) *JSONResponse {
	return &JSONResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// NewJSONErrorResponse creates a failed JSON response that still carries
// data, for checks that ran to completion but did not pass.
func NewJSONErrorResponse(command string, data any, err error) *JSONResponse {
	r := NewJSONResponse(command, data)
	r.Success = false
	msg := err.Error()
	r.Error = &msg
	return r
}

// Write encodes the response with indentation.
func (r *JSONResponse) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
