// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package safety

import (
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// NORMALIZATION
// =============================================================================

// invisible lists code points that render as nothing (or only change
// direction) and are used to split keywords without changing how the text
// looks.
var invisible = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x00AD, Hi: 0x00AD, Stride: 1}, // soft hyphen
		{Lo: 0x034F, Hi: 0x034F, Stride: 1}, // combining grapheme joiner
		{Lo: 0x180E, Hi: 0x180E, Stride: 1}, // mongolian vowel separator
		{Lo: 0x200B, Hi: 0x200F, Stride: 1}, // zero-width space/joiners, LRM, RLM
		{Lo: 0x202A, Hi: 0x202E, Stride: 1}, // bidi embeddings and overrides
		{Lo: 0x2060, Hi: 0x2064, Stride: 1}, // word joiner, invisible operators
		{Lo: 0x2066, Hi: 0x2069, Stride: 1}, // bidi isolates
		{Lo: 0xFE00, Hi: 0xFE0F, Stride: 1}, // variation selectors
		{Lo: 0xFEFF, Hi: 0xFEFF, Stride: 1}, // BOM / zero-width no-break space
	},
	R32: []unicode.Range32{
		{Lo: 0xE0000, Hi: 0xE007F, Stride: 1}, // tag characters
	},
}

// Normalize applies NFKC and strips invisible code points. It is
// idempotent. Spans reported by this package refer to its output.
func Normalize(s string) string {
	// Transformers carry state, so the chain is built per call.
	t := transform.Chain(runes.Remove(runes.In(invisible)), norm.NFKC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// lookalikes folds Cyrillic and Greek letters that render like Latin ones.
var lookalikes = map[rune]rune{
	// Cyrillic
	'а': 'a', 'в': 'b', 'с': 'c', 'е': 'e', 'ё': 'e', 'к': 'k', 'м': 'm', 'н': 'h',
	'о': 'o', 'р': 'p', 'т': 't', 'х': 'x', 'у': 'y', 'ү': 'y', 'і': 'i', 'ј': 'j',
	'ѕ': 's', 'ԁ': 'd', 'ԛ': 'q', 'ԝ': 'w',
	// Greek
	'α': 'a', 'β': 'b', 'ε': 'e', 'ι': 'i', 'κ': 'k', 'μ': 'm', 'ν': 'v', 'ο': 'o',
	'ρ': 'p', 'τ': 't', 'υ': 'u', 'χ': 'x', 'ς': 's',
}

// foldedText is a lower-cased, lookalike-folded, whitespace-collapsed view
// of normalized text. Every folded byte remembers the normalized span of
// the rune it came from.
type foldedText struct {
	bytes  []byte
	starts []int
	ends   []int
}

func fold(normalized string) foldedText {
	f := foldedText{
		bytes:  make([]byte, 0, len(normalized)),
		starts: make([]int, 0, len(normalized)),
		ends:   make([]int, 0, len(normalized)),
	}
	var buf [utf8.UTFMax]byte
	lastSpace := false

	for i := 0; i < len(normalized); {
		r, w := utf8.DecodeRuneInString(normalized[i:])
		start := i
		i += w

		if unicode.IsSpace(r) {
			if lastSpace {
				// Extend the previous space to cover the whole run.
				f.ends[len(f.ends)-1] = i
				continue
			}
			lastSpace = true
			f.bytes = append(f.bytes, ' ')
			f.starts = append(f.starts, start)
			f.ends = append(f.ends, i)
			continue
		}
		lastSpace = false

		lower := unicode.ToLower(r)
		if mapped, ok := lookalikes[lower]; ok {
			lower = mapped
		}
		n := utf8.EncodeRune(buf[:], lower)
		for j := 0; j < n; j++ {
			f.bytes = append(f.bytes, buf[j])
			f.starts = append(f.starts, start)
			f.ends = append(f.ends, i)
		}
	}
	return f
}

// span maps a folded byte range [s, e) back to the normalized text.
func (f foldedText) span(s, e int) (int, int) {
	return f.starts[s], f.ends[e-1]
}

// foldPattern folds a pattern the same way scanned text is folded.
func foldPattern(p string) string {
	return string(fold(Normalize(p)).bytes)
}
