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

// Package match scores parsed payment facts against a workspace's
// outstanding invoices and produces ranked, explainable candidates. The
// engine only proposes: it never mutates invoice or payment state, and a
// candidate is always created pending — confirmation is a human decision
// made elsewhere.
package match

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shiharai/reconciler/internal/models"
	"github.com/shiharai/reconciler/internal/names"
)

// Confidence tiers shown to the human reviewer.
const (
	TierHigh   = "high"
	TierMedium = "medium"
	TierLow    = "low"
	TierNone   = "none"
)

// DefaultAmountTolerance is the approximate-match window in currency units.
const DefaultAmountTolerance = 100

// Signal weights and thresholds. Signals are additive and the total is
// capped at 1.0.
const (
	exactAmountScore  = 0.5
	approxAmountScore = 0.3
	exactNameScore    = 0.4
	partialNameScore  = 0.2
	referenceScore    = 0.3

	exactNameThreshold   = 0.95
	partialNameThreshold = 0.8
)

// Candidate is a scored link between one parsed payment and one invoice.
type Candidate struct {
	InvoiceID    string
	Score        float64
	Tier         string
	Reasons      []string
	Amount       *int64
	PayerName    string
	TransferDate string
	Status       string // always "pending"
}

// InvoiceSource loads the pending bank-transfer invoices of a workspace.
// Implemented by store.Store.
type InvoiceSource interface {
	ListPendingInvoices(ctx context.Context, workspaceID string) ([]models.Invoice, error)
}

// Engine scores parsed payments against outstanding invoices.
type Engine struct {
	invoices  InvoiceSource
	tolerance int64
}

// NewEngine creates a matching engine. A non-positive tolerance falls back
// to DefaultAmountTolerance.
func NewEngine(invoices InvoiceSource, tolerance int64) *Engine {
	if tolerance <= 0 {
		tolerance = DefaultAmountTolerance
	}
	return &Engine{invoices: invoices, tolerance: tolerance}
}

// FindMatches returns candidates sorted by descending score. The parsed
// amount is the mandatory signal: without one the result is empty regardless
// of the other fields. Candidates with no signal at all are dropped.
func (e *Engine) FindMatches(ctx context.Context, workspaceID string, parsed *models.PaymentInfo) ([]Candidate, error) {
	if parsed == nil || parsed.Amount == nil {
		return nil, nil
	}

	invoices, err := e.invoices.ListPendingInvoices(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load pending invoices: %w", err)
	}

	var candidates []Candidate
	for _, inv := range invoices {
		score, reasons := e.score(parsed, inv)
		if score <= 0 {
			continue
		}

		candidates = append(candidates, Candidate{
			InvoiceID:    inv.ID,
			Score:        score,
			Tier:         TierFor(score),
			Reasons:      reasons,
			Amount:       parsed.Amount,
			PayerName:    parsed.PayerName,
			TransferDate: parsed.TransferDate,
			Status:       "pending",
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	return candidates, nil
}

// score accumulates the independent signals for one invoice.
func (e *Engine) score(parsed *models.PaymentInfo, inv models.Invoice) (float64, []string) {
	var score float64
	var reasons []string

	diff := *parsed.Amount - inv.Amount
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff == 0:
		score += exactAmountScore
		reasons = append(reasons, "exact amount match")
	case diff <= e.tolerance:
		score += approxAmountScore
		reasons = append(reasons, fmt.Sprintf("amount within tolerance (diff %d)", diff))
	}

	if sim := names.Similarity(parsed.PayerName, inv.CustomerName); sim >= exactNameThreshold {
		score += exactNameScore
		reasons = append(reasons, "exact name match")
	} else if sim >= partialNameThreshold {
		score += partialNameScore
		reasons = append(reasons, fmt.Sprintf("partial name match (~%d%%)", int(sim*100)))
	}

	if inv.TransferReference != "" && strings.Contains(parsed.Snippet, inv.TransferReference) {
		score += referenceScore
		reasons = append(reasons, "reference number match")
	}

	if score > 1.0 {
		score = 1.0
	}

	return score, reasons
}

// TierFor maps a numeric score to its confidence tier.
func TierFor(score float64) string {
	switch {
	case score >= 0.9:
		return TierHigh
	case score >= 0.6:
		return TierMedium
	case score >= 0.3:
		return TierLow
	default:
		return TierNone
	}
}
