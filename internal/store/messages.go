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
	"time"
)

// ProcessedMessage is one upstream message already examined for a config,
// with the parse result embedded. (config_id, message_id) is unique:
// re-polling the same message refreshes the row instead of duplicating it.
type ProcessedMessage struct {
	ID              int64
	ConfigID        string
	MessageID       string
	ThreadID        string
	Sender          string
	Subject         string
	Snippet         string
	ReceivedAt      time.Time
	Amount          *int64
	PayerName       string
	TransferDate    string
	BankName        string
	ParseConfidence float64
	MatchStatus     string
}

// UpsertMessage inserts or refreshes a processed message keyed on
// (config_id, message_id) and returns the row id. The match status of an
// existing row is left alone; SetMatchStatus updates it after matching.
func (s *Store) UpsertMessage(ctx context.Context, m *ProcessedMessage) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO processed_messages
			(config_id, message_id, thread_id, sender, subject, snippet,
			 received_at, amount, payer_name, transfer_date, bank_name,
			 parse_confidence, match_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 'pending')
		ON CONFLICT (config_id, message_id) DO UPDATE SET
			thread_id        = EXCLUDED.thread_id,
			sender           = EXCLUDED.sender,
			subject          = EXCLUDED.subject,
			snippet          = EXCLUDED.snippet,
			received_at      = EXCLUDED.received_at,
			amount           = EXCLUDED.amount,
			payer_name       = EXCLUDED.payer_name,
			transfer_date    = EXCLUDED.transfer_date,
			bank_name        = EXCLUDED.bank_name,
			parse_confidence = EXCLUDED.parse_confidence,
			updated_at       = NOW()
		RETURNING id
	`, m.ConfigID, m.MessageID, m.ThreadID, m.Sender, m.Subject, m.Snippet,
		m.ReceivedAt, m.Amount, m.PayerName, m.TransferDate, m.BankName,
		m.ParseConfidence).Scan(&id)
	return id, err
}

// SetMatchStatus records whether matching produced any candidate for the
// message ("matched" or "no_match").
func (s *Store) SetMatchStatus(ctx context.Context, messageRowID int64, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE processed_messages
		SET match_status = $1, updated_at = NOW()
		WHERE id = $2
	`, status, messageRowID)
	return err
}
