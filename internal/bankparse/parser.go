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

// Package bankparse applies ordered bank-specific patterns to message
// metadata and extracts structured payment facts. Patterns are stored as
// regex strings per mailbox config; they are compiled once per config load
// and a malformed pattern is skipped rather than failing the run.
package bankparse

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/shiharai/reconciler/internal/models"
)

// Pattern is one bank's recognition rule as stored on a mailbox config.
// Patterns are evaluated in Position order; the first whose sender and
// subject regexes both match wins.
type Pattern struct {
	ID             string
	BankName       string
	FromPattern    string
	SubjectPattern string
	AmountPattern  string // must contain a named capture group `amount`
	NamePattern    string // optional; first capture group is the payer name
	Active         bool
	Position       int
}

// Compiled is a pattern with its regexes compiled.
type Compiled struct {
	Pattern Pattern

	from    *regexp.Regexp
	subject *regexp.Regexp
	amount  *regexp.Regexp
	name    *regexp.Regexp // nil when no name pattern is set
}

// Compile compiles the active patterns in order, skipping inactive entries
// and any with a malformed regex. A pattern-authoring error must never be
// fatal to a poll run.
func Compile(patterns []Pattern) []Compiled {
	compiled := make([]Compiled, 0, len(patterns))

	for _, p := range patterns {
		if !p.Active {
			continue
		}

		c := Compiled{Pattern: p}
		var err error

		if c.from, err = regexp.Compile(p.FromPattern); err != nil {
			slog.Warn("skipping bank pattern: invalid sender regex",
				"pattern_id", p.ID,
				"bank", p.BankName,
				"error", err,
			)
			continue
		}
		if c.subject, err = regexp.Compile(p.SubjectPattern); err != nil {
			slog.Warn("skipping bank pattern: invalid subject regex",
				"pattern_id", p.ID,
				"bank", p.BankName,
				"error", err,
			)
			continue
		}
		if c.amount, err = regexp.Compile(p.AmountPattern); err != nil {
			slog.Warn("skipping bank pattern: invalid amount regex",
				"pattern_id", p.ID,
				"bank", p.BankName,
				"error", err,
			)
			continue
		}
		if p.NamePattern != "" {
			if c.name, err = regexp.Compile(p.NamePattern); err != nil {
				slog.Warn("skipping bank pattern: invalid name regex",
					"pattern_id", p.ID,
					"bank", p.BankName,
					"error", err,
				)
				continue
			}
		}

		compiled = append(compiled, c)
	}

	return compiled
}

// Parse applies the compiled patterns to one message. Returns nil when no
// pattern recognizes the message. Amount and payer name are extracted from
// the subject and snippet; the parse confidence is a coarse heuristic that
// is higher when an amount was found.
func Parse(msg models.Message, patterns []Compiled) *models.PaymentInfo {
	for _, c := range patterns {
		if !c.from.MatchString(msg.From) || !c.subject.MatchString(msg.Subject) {
			continue
		}

		text := msg.Subject + "\n" + msg.Snippet

		info := &models.PaymentInfo{
			TransferDate: msg.Date,
			BankName:     c.Pattern.BankName,
			Snippet:      msg.Snippet,
		}

		info.Amount = extractAmount(c.amount, text)
		if c.name != nil {
			if m := c.name.FindStringSubmatch(text); len(m) > 1 {
				info.PayerName = strings.TrimSpace(m[1])
			}
		}

		if info.Amount != nil {
			info.Confidence = 0.8
		} else {
			info.Confidence = 0.4
		}
		if info.PayerName != "" {
			info.Confidence += 0.1
		}

		return info
	}

	return nil
}

// extractAmount pulls the `amount` named capture out of text, strips
// thousands separators, and parses it as an integer number of currency units.
func extractAmount(re *regexp.Regexp, text string) *int64 {
	idx := re.SubexpIndex("amount")
	if idx < 0 {
		return nil
	}

	m := re.FindStringSubmatch(text)
	if m == nil || idx >= len(m) {
		return nil
	}

	raw := strings.NewReplacer(",", "", "，", "").Replace(m[idx])
	amount, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}

	return &amount
}
