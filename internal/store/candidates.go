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

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/shiharai/reconciler/internal/match"
)

// UpsertCandidate inserts or re-evaluates a match candidate keyed on
// (message_id, invoice_id). Candidates are always written pending — the
// engine never confirms a payment; the status of a row a human has already
// acted on is never touched.
func (s *Store) UpsertCandidate(ctx context.Context, messageRowID int64, c match.Candidate) error {
	reasons, err := json.Marshal(c.Reasons)
	if err != nil {
		return fmt.Errorf("encode match reasons: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO match_candidates
			(id, message_id, invoice_id, tier, score, reasons, amount,
			 payer_name, transfer_date, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending')
		ON CONFLICT (message_id, invoice_id) DO UPDATE SET
			tier          = EXCLUDED.tier,
			score         = EXCLUDED.score,
			reasons       = EXCLUDED.reasons,
			amount        = EXCLUDED.amount,
			payer_name    = EXCLUDED.payer_name,
			transfer_date = EXCLUDED.transfer_date,
			updated_at    = NOW()
	`, uuid.New().String(), messageRowID, c.InvoiceID, c.Tier, c.Score,
		reasons, c.Amount, c.PayerName, c.TransferDate)
	return err
}
