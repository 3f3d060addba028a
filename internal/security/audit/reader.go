// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ReadLog decodes newline-delimited events from r and keeps those matching
// f, oldest first. With f.Limit set only the most recent matches are kept.
func ReadLog(r io.Reader, f Filter) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var out []Event
	lineNum := 0
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		lineNum++

		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("audit: line %d: %w", lineNum, err)
		}
		if !f.Match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) > f.Limit {
			out = out[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: read log: %w", err)
	}
	return out, nil
}

// ReadLogFile opens path and runs ReadLog on it.
func ReadLogFile(path string, f Filter) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer file.Close()
	return ReadLog(file, f)
}
