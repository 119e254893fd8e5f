// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package names canonicalizes payer names and scores their similarity, so a
// bank-stated remitter can be compared against an invoice's expected payer
// despite spacing, width, and corporate-suffix differences.
package names

import (
	"strings"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/width"
)

// suffixes expands corporate-suffix shorthand to the full form, so that
// abbreviated and full company names compare equal. Applied after width
// folding, so only the narrow paren forms are needed alongside the
// single-character compatibility glyphs.
var suffixes = strings.NewReplacer(
	"㈱", "株式会社",
	"(株)", "株式会社",
	"㈲", "有限会社",
	"(有)", "有限会社",
	"㈾", "合資会社",
	"(資)", "合資会社",
	"(同)", "合同会社",
)

// suffixSpacing removes the space some banks and invoices put between a
// corporate suffix and the company name, so "株式会社 ヤマダ商事" and the
// expanded "(株)ヤマダ商事" canonicalize to the same string.
var suffixSpacing = strings.NewReplacer(
	"株式会社 ", "株式会社", " 株式会社", "株式会社",
	"有限会社 ", "有限会社", " 有限会社", "有限会社",
	"合資会社 ", "合資会社", " 合資会社", "合資会社",
	"合同会社 ", "合同会社", " 合同会社", "合同会社",
)

// Normalize canonicalizes a payer name: folds character widths (full-width
// ASCII to ASCII, half-width katakana to full-width), collapses whitespace
// including the ideographic space, upper-cases, expands corporate-suffix
// abbreviations, and drops the spacing around them.
func Normalize(name string) string {
	s := width.Fold.String(name)
	s = strings.ReplaceAll(s, "　", " ")
	s = strings.ToUpper(s)
	s = suffixes.Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	return suffixSpacing.Replace(s)
}

// Similarity returns a score in [0,1] between two payer names: 1.0 when equal
// after normalization, 0.0 when either is empty, otherwise
// 1 - editDistance/maxLen over runes.
func Similarity(a, b string) float64 {
	na := Normalize(a)
	nb := Normalize(b)

	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}

	dist := levenshtein.ComputeDistance(na, nb)
	maxLen := len([]rune(na))
	if l := len([]rune(nb)); l > maxLen {
		maxLen = l
	}

	return 1 - float64(dist)/float64(maxLen)
}
