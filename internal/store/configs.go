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
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shiharai/reconciler/internal/bankparse"
	"github.com/shiharai/reconciler/internal/vault"
)

// MailboxConfig is one tenant's connected mailbox: the encrypted refresh
// token, its bank patterns, and the poll bookkeeping the scheduler maintains.
type MailboxConfig struct {
	ID            string
	WorkspaceID   string
	EmailAddress  string
	Token         vault.Sealed
	Active        bool
	HistoryID     string
	LastPollAt    *time.Time
	LastSuccessAt *time.Time
	ErrorCount    int
	LastError     string
	Patterns      []bankparse.Pattern
}

// CreateConfig inserts a new mailbox config. Called by the external
// OAuth-connect surface after a mailbox is linked.
func (s *Store) CreateConfig(ctx context.Context, c *MailboxConfig) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mailbox_configs
			(id, workspace_id, email_address, token_ciphertext, token_iv,
			 token_auth_tag, token_key_version, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
	`, c.ID, c.WorkspaceID, c.EmailAddress, c.Token.Ciphertext, c.Token.IV,
		c.Token.AuthTag, c.Token.KeyVersion)
	return err
}

// SavePatterns replaces the bank patterns of a config, preserving order.
func (s *Store) SavePatterns(ctx context.Context, configID string, patterns []bankparse.Pattern) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM bank_patterns WHERE config_id = $1`, configID); err != nil {
		return err
	}
	for i, p := range patterns {
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO bank_patterns
				(id, config_id, position, bank_name, from_pattern,
				 subject_pattern, amount_pattern, name_pattern, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, id, configID, i, p.BankName, p.FromPattern, p.SubjectPattern,
			p.AmountPattern, p.NamePattern, p.Active); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// ListDueConfigs returns up to limit active configs, oldest last_poll_at
// first so every tenant gets polled fairly. Patterns are loaded in stored
// order.
func (s *Store) ListDueConfigs(ctx context.Context, limit int) ([]MailboxConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, email_address, token_ciphertext, token_iv,
		       token_auth_tag, token_key_version, active, history_id,
		       last_poll_at, last_success_at, error_count, last_error
		FROM mailbox_configs
		WHERE active
		ORDER BY last_poll_at ASC NULLS FIRST
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs, err := collectConfigs(rows)
	if err != nil {
		return nil, err
	}

	for i := range configs {
		patterns, err := s.listPatterns(ctx, configs[i].ID)
		if err != nil {
			return nil, fmt.Errorf("load patterns for config %s: %w", configs[i].ID, err)
		}
		configs[i].Patterns = patterns
	}

	return configs, nil
}

func (s *Store) listPatterns(ctx context.Context, configID string) ([]bankparse.Pattern, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, bank_name, from_pattern, subject_pattern, amount_pattern,
		       name_pattern, active, position
		FROM bank_patterns
		WHERE config_id = $1
		ORDER BY position
	`, configID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []bankparse.Pattern
	for rows.Next() {
		var p bankparse.Pattern
		if err := rows.Scan(
			&p.ID, &p.BankName, &p.FromPattern, &p.SubjectPattern,
			&p.AmountPattern, &p.NamePattern, &p.Active, &p.Position,
		); err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// MarkPollSuccess records a successful poll: advances the history cursor
// when a newer one was seen, clears the error bookkeeping, and stamps both
// poll timestamps.
func (s *Store) MarkPollSuccess(ctx context.Context, configID, historyID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mailbox_configs
		SET history_id      = CASE WHEN $2 = '' THEN history_id ELSE $2 END,
		    error_count     = 0,
		    last_error      = '',
		    last_poll_at    = NOW(),
		    last_success_at = NOW(),
		    updated_at      = NOW()
		WHERE id = $1
	`, configID, historyID)
	return err
}

// MarkPollFailure records a failed poll attempt and returns the new
// consecutive error count. The caller decides whether to deactivate.
func (s *Store) MarkPollFailure(ctx context.Context, configID, message string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE mailbox_configs
		SET error_count  = error_count + 1,
		    last_error   = $2,
		    last_poll_at = NOW(),
		    updated_at   = NOW()
		WHERE id = $1
		RETURNING error_count
	`, configID, message).Scan(&count)
	return count, err
}

// Deactivate excludes a config from future runs until it is reconnected
// externally.
func (s *Store) Deactivate(ctx context.Context, configID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mailbox_configs
		SET active = FALSE, updated_at = NOW()
		WHERE id = $1
	`, configID)
	return err
}

// collectConfigs scans multiple rows into a slice of MailboxConfigs.
func collectConfigs(rows pgx.Rows) ([]MailboxConfig, error) {
	var configs []MailboxConfig
	for rows.Next() {
		var c MailboxConfig
		if err := rows.Scan(
			&c.ID, &c.WorkspaceID, &c.EmailAddress, &c.Token.Ciphertext,
			&c.Token.IV, &c.Token.AuthTag, &c.Token.KeyVersion, &c.Active,
			&c.HistoryID, &c.LastPollAt, &c.LastSuccessAt, &c.ErrorCount,
			&c.LastError,
		); err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}
