// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package account

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeMnemonic returns the canonical form of a recovery phrase: NFKD
// normalized, lower case, single space separated.  Only phrases of 12, 15,
// 18, 21 or 24 purely alphabetic words are accepted.
func NormalizeMnemonic(s string) (string, error) {
	words := strings.Fields(strings.ToLower(norm.NFKD.String(s)))
	switch len(words) {
	case 12, 15, 18, 21, 24:
	default:
		return "", &Error{Kind: InvalidMnemonic, Err: fmt.Errorf("unexpected word count: %d", len(words))}
	}
	for i, w := range words {
		for _, r := range w {
			if !unicode.IsLetter(r) && !unicode.Is(unicode.Mn, r) {
				return "", &Error{Kind: InvalidMnemonic, Err: fmt.Errorf("word %d is not alphabetic", i+1)}
			}
		}
	}
	return strings.Join(words, " "), nil
}
