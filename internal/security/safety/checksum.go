// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package safety

import (
	"strconv"
	"strings"
)

// =============================================================================
// CHECKSUMS AND RANGE CHECKS
// =============================================================================

// digitsOnly drops separators. It returns false if anything other than
// digits, spaces and dashes is present.
func digitsOnly(s string) (string, bool) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == ' ' || c == '-':
		default:
			return "", false
		}
	}
	return b.String(), true
}

// luhnValid implements the mod-10 check used by payment card numbers.
func luhnValid(digits string) bool {
	if len(digits) < 2 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

type iinRange struct {
	lo, hi  int
	digits  int // prefix length
	lengths []int
}

// cardRanges covers the major networks' issuer prefixes and lengths.
var cardRanges = []iinRange{
	{4, 4, 1, []int{13, 16, 19}},                       // Visa
	{51, 55, 2, []int{16}},                             // Mastercard
	{2221, 2720, 4, []int{16}},                         // Mastercard 2-series
	{34, 34, 2, []int{15}},                             // Amex
	{37, 37, 2, []int{15}},                             // Amex
	{6011, 6011, 4, []int{16, 17, 18, 19}},             // Discover
	{644, 649, 3, []int{16, 17, 18, 19}},               // Discover
	{65, 65, 2, []int{16, 17, 18, 19}},                 // Discover
	{3528, 3589, 4, []int{16, 17, 18, 19}},             // JCB
	{300, 305, 3, []int{14, 15, 16, 17, 18, 19}},       // Diners
	{36, 36, 2, []int{14, 15, 16, 17, 18, 19}},         // Diners
	{38, 39, 2, []int{16, 17, 18, 19}},                 // Diners
	{62, 62, 2, []int{16, 17, 18, 19}},                 // UnionPay
	{2200, 2204, 4, []int{16, 17, 18, 19}},             // Mir
	{50, 50, 2, []int{12, 13, 14, 15, 16, 17, 18, 19}}, // Maestro
	{56, 58, 2, []int{12, 13, 14, 15, 16, 17, 18, 19}}, // Maestro
	{67, 69, 2, []int{12, 13, 14, 15, 16, 17, 18, 19}}, // Maestro
}

// knownIssuer reports whether the number's prefix and length belong to a
// known card network.
func knownIssuer(digits string) bool {
	for _, r := range cardRanges {
		if len(digits) < r.digits {
			continue
		}
		prefix, err := strconv.Atoi(digits[:r.digits])
		if err != nil || prefix < r.lo || prefix > r.hi {
			continue
		}
		for _, l := range r.lengths {
			if len(digits) == l {
				return true
			}
		}
	}
	return false
}

// ssnValid applies the SSA rules: no 000, 666 or 9xx area, no 00 group,
// no 0000 serial.
func ssnValid(digits string) bool {
	if len(digits) != 9 {
		return false
	}
	area, group, serial := digits[:3], digits[3:5], digits[5:]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}

// nanpValid checks the area code and exchange of a ten digit NANP number.
// Neither may start with 0 or 1 or be an N11 service code.
func nanpValid(digits string) bool {
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) != 10 {
		return false
	}
	for _, part := range []string{digits[:3], digits[3:6]} {
		if part[0] < '2' {
			return false
		}
		if part[1] == '1' && part[2] == '1' {
			return false
		}
	}
	return true
}

// ipv4Valid checks four decimal octets in 0..255 without leading zeros.
func ipv4Valid(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 || (len(p) > 1 && p[0] == '0') {
			return false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n > 255 {
			return false
		}
	}
	return true
}

// ibanLengths holds the registered IBAN length per country.
var ibanLengths = map[string]int{
	"AD": 24, "AE": 23, "AL": 28, "AT": 20, "AZ": 28, "BA": 20, "BE": 16,
	"BG": 22, "BH": 22, "BR": 29, "CH": 21, "CR": 22, "CY": 28, "CZ": 24,
	"DE": 22, "DK": 18, "DO": 28, "EE": 20, "EG": 29, "ES": 24, "FI": 18,
	"FO": 18, "FR": 27, "GB": 22, "GE": 22, "GI": 23, "GL": 18, "GR": 27,
	"GT": 28, "HR": 21, "HU": 28, "IE": 22, "IL": 23, "IQ": 23, "IS": 26,
	"IT": 27, "JO": 30, "KW": 30, "KZ": 20, "LB": 28, "LI": 21, "LT": 20,
	"LU": 20, "LV": 21, "MC": 27, "MD": 24, "ME": 22, "MK": 19, "MR": 27,
	"MT": 31, "MU": 30, "NL": 18, "NO": 15, "PK": 24, "PL": 28, "PS": 29,
	"PT": 25, "QA": 29, "RO": 24, "RS": 22, "SA": 24, "SE": 24, "SI": 19,
	"SK": 24, "SM": 27, "TN": 24, "TR": 26, "UA": 29, "VA": 22, "VG": 24,
	"XK": 20,
}

// ibanValid checks the country length and the ISO 13616 mod-97 remainder.
func ibanValid(s string) bool {
	iban := strings.ToUpper(strings.ReplaceAll(s, " ", ""))
	if len(iban) < 15 || len(iban) > 34 {
		return false
	}
	if want, ok := ibanLengths[iban[:2]]; !ok || len(iban) != want {
		return false
	}

	// Move the country code and check digits to the end, then reduce
	// digit by digit, expanding letters to 10..35.
	rearranged := iban[4:] + iban[:4]
	rem := 0
	for i := 0; i < len(rearranged); i++ {
		c := rearranged[i]
		switch {
		case c >= '0' && c <= '9':
			rem = (rem*10 + int(c-'0')) % 97
		case c >= 'A' && c <= 'Z':
			rem = (rem*100 + int(c-'A') + 10) % 97
		default:
			return false
		}
	}
	return rem == 1
}
