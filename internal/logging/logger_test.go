// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"chatty", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "input %q", tt.in)
	}
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info"}, &buf)

	logger.Debug().Msg("hidden")
	logger.Info().Str("component", "vault").Msg("unlocked")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "vault", entry["component"])
	assert.Equal(t, "unlocked", entry["message"])
	assert.Contains(t, entry, "time")
}

func TestNew_Pretty(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "debug", Pretty: true}, &buf)
	logger.Debug().Msg("sandbox applied")

	out := buf.String()
	assert.Contains(t, out, "sandbox applied")
	assert.NotContains(t, out, `"message"`)
}
