// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// MaskIdentifier keeps the first and last two characters of id and masks
// the rest. Identifiers of four characters or fewer are fully masked.
func MaskIdentifier(id string) string {
	r := []rune(id)
	if len(r) <= 4 {
		return "****"
	}
	return string(r[:2]) + "****" + string(r[len(r)-2:])
}

// RefForLog returns a short, stable reference for a bearer value such as a
// session ID. The value itself cannot be recovered from the reference, so it
// is safe for audit records and operational logs.
func RefForLog(secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(secret))
	return "ref-" + hex.EncodeToString(sum[:6])
}
