// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// =============================================================================
// HASH CHAIN
// =============================================================================

// GenesisHash is the prev_hash of the first event of a new log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

const (
	plainPrefix = "sha256:"
	keyedPrefix = "hmac-sha256:"

	// ChainKeyEnvVar holds a hex-encoded 32-byte key for a keyed chain.
	ChainKeyEnvVar = "RIGRUN_GUARD_AUDIT_CHAIN_KEY"

	// ChainKeySize is the keyed chain key size in bytes.
	ChainKeySize = 32

	maxLineSize = 1 << 20
)

// Chain links serialized events together. With a key, links are
// HMAC-SHA-256 so a party able to rewrite the log cannot recompute them.
// Chain is not safe for concurrent use; the Sink serializes access.
type Chain struct {
	key  []byte
	prev string
}

// NewChain starts a chain at GenesisHash. A nil key selects plain SHA-256.
func NewChain(key []byte) *Chain {
	c := &Chain{prev: GenesisHash}
	if len(key) > 0 {
		c.key = append([]byte(nil), key...)
	}
	return c
}

// Prev returns the link the next event must carry.
func (c *Chain) Prev() string {
	return c.prev
}

// Resume continues the chain from an existing log tail.
func (c *Chain) Resume(lastLine []byte) {
	if len(lastLine) > 0 {
		c.prev = c.Hash(lastLine)
	}
}

// Advance records line as the newest link.
func (c *Chain) Advance(line []byte) {
	c.prev = c.Hash(line)
}

// Hash returns the link value for line.
func (c *Chain) Hash(line []byte) string {
	return hashLine(c.key, line)
}

func hashLine(key, line []byte) string {
	if len(key) > 0 {
		mac := hmac.New(sha256.New, key)
		mac.Write(line)
		return keyedPrefix + hex.EncodeToString(mac.Sum(nil))
	}
	h := sha256.Sum256(line)
	return plainPrefix + hex.EncodeToString(h[:])
}

// LoadChainKey reads the keyed-chain key from ChainKeyEnvVar. It returns
// nil with no error when the variable is unset.
func LoadChainKey() ([]byte, error) {
	keyHex := strings.TrimSpace(os.Getenv(ChainKeyEnvVar))
	if keyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("audit: invalid chain key in %s: %w", ChainKeyEnvVar, err)
	}
	if len(key) != ChainKeySize {
		return nil, fmt.Errorf("audit: chain key must be %d bytes, got %d", ChainKeySize, len(key))
	}
	return key, nil
}

// =============================================================================
// VERIFICATION
// =============================================================================

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid bool `json:"valid"`
	Lines int  `json:"lines"`

	// Truncated is set when the first line does not start at genesis,
	// which is expected for exports of a ring that has evicted events.
	Truncated bool `json:"truncated,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify reads newline-delimited events and validates the chain. key must
// match the key the log was written with (nil for plain SHA-256).
func Verify(r io.Reader, key []byte) VerifyResult {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNum := 0
	truncated := false
	var prevLine []byte

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		lineNum++

		line := make([]byte, len(raw))
		copy(line, raw)

		var head struct {
			PrevHash string `json:"prev_hash"`
		}
		if err := json.Unmarshal(line, &head); err != nil {
			return VerifyResult{Lines: lineNum, Error: fmt.Sprintf("parse error: %v", err), ErrorLine: lineNum}
		}

		if prevLine == nil {
			if head.PrevHash != GenesisHash {
				truncated = true
			}
		} else if expected := hashLine(key, prevLine); !hmac.Equal([]byte(head.PrevHash), []byte(expected)) {
			return VerifyResult{
				Lines:     lineNum,
				Truncated: truncated,
				Error:     fmt.Sprintf("hash mismatch: expected %s, got %s", expected, head.PrevHash),
				ErrorLine: lineNum,
			}
		}
		prevLine = line
	}

	if err := scanner.Err(); err != nil {
		return VerifyResult{Lines: lineNum, Error: fmt.Sprintf("scan: %v", err)}
	}
	return VerifyResult{Valid: true, Lines: lineNum, Truncated: truncated}
}

// VerifyFile opens path and runs Verify on it.
func VerifyFile(path string, key []byte) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()
	return Verify(f, key)
}

// lastLine returns the final non-empty line of path, or nil.
func lastLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var last []byte
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		last = append(last[:0], scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return last, nil
}
