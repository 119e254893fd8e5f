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

// Package store provides the Postgres-backed persistence for the
// reconciliation engine: mailbox configs with their bank patterns and poll
// bookkeeping, processed messages, match candidates, and read-only access
// to pending invoices. All writes are independent idempotent upserts; no
// transaction ever spans multiple messages or invoices.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides CRUD operations for the engine's tables in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store backed by the given Postgres pool. It ensures the
// engine's tables exist on creation. The invoices table is owned by the
// invoicing service; it is created here only so local development and tests
// have a schema to read from.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure reconciliation schema: %w", err)
	}
	slog.Info("reconciliation store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mailbox_configs (
			id                TEXT PRIMARY KEY,
			workspace_id      TEXT NOT NULL,
			email_address     TEXT NOT NULL,
			token_ciphertext  BYTEA NOT NULL,
			token_iv          BYTEA NOT NULL,
			token_auth_tag    BYTEA NOT NULL,
			token_key_version INT NOT NULL,
			active            BOOLEAN DEFAULT TRUE,
			history_id        TEXT DEFAULT '',
			last_poll_at      TIMESTAMPTZ,
			last_success_at   TIMESTAMPTZ,
			error_count       INT DEFAULT 0,
			last_error        TEXT DEFAULT '',
			created_at        TIMESTAMPTZ DEFAULT NOW(),
			updated_at        TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_configs_workspace ON mailbox_configs(workspace_id);
		CREATE INDEX IF NOT EXISTS idx_configs_due ON mailbox_configs(active, last_poll_at);

		CREATE TABLE IF NOT EXISTS bank_patterns (
			id              TEXT PRIMARY KEY,
			config_id       TEXT NOT NULL REFERENCES mailbox_configs(id) ON DELETE CASCADE,
			position        INT NOT NULL,
			bank_name       TEXT NOT NULL,
			from_pattern    TEXT NOT NULL,
			subject_pattern TEXT NOT NULL,
			amount_pattern  TEXT NOT NULL,
			name_pattern    TEXT DEFAULT '',
			active          BOOLEAN DEFAULT TRUE
		);
		CREATE INDEX IF NOT EXISTS idx_patterns_config ON bank_patterns(config_id, position);

		CREATE TABLE IF NOT EXISTS processed_messages (
			id               BIGSERIAL PRIMARY KEY,
			config_id        TEXT NOT NULL,
			message_id       TEXT NOT NULL,
			thread_id        TEXT DEFAULT '',
			sender           TEXT DEFAULT '',
			subject          TEXT DEFAULT '',
			snippet          TEXT DEFAULT '',
			received_at      TIMESTAMPTZ,
			amount           BIGINT,
			payer_name       TEXT DEFAULT '',
			transfer_date    TEXT DEFAULT '',
			bank_name        TEXT DEFAULT '',
			parse_confidence DOUBLE PRECISION DEFAULT 0,
			match_status     TEXT DEFAULT 'pending',
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			updated_at       TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(config_id, message_id)
		);

		CREATE TABLE IF NOT EXISTS match_candidates (
			id            TEXT PRIMARY KEY,
			message_id    BIGINT NOT NULL REFERENCES processed_messages(id) ON DELETE CASCADE,
			invoice_id    TEXT NOT NULL,
			tier          TEXT NOT NULL,
			score         DOUBLE PRECISION NOT NULL,
			reasons       JSONB NOT NULL DEFAULT '[]',
			amount        BIGINT,
			payer_name    TEXT DEFAULT '',
			transfer_date TEXT DEFAULT '',
			status        TEXT DEFAULT 'pending',
			created_at    TIMESTAMPTZ DEFAULT NOW(),
			updated_at    TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(message_id, invoice_id)
		);

		CREATE TABLE IF NOT EXISTS invoices (
			id                 TEXT PRIMARY KEY,
			workspace_id       TEXT NOT NULL,
			invoice_number     TEXT DEFAULT '',
			amount             BIGINT NOT NULL,
			customer_name      TEXT DEFAULT '',
			transfer_reference TEXT DEFAULT '',
			payment_method     TEXT DEFAULT 'bank_transfer',
			status             TEXT DEFAULT 'pending',
			deleted_at         TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_invoices_pending ON invoices(workspace_id, status, payment_method);
	`)
	return err
}
