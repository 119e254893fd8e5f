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

// Package models defines the data structures shared across the
// reconciliation engine.
package models

import "time"

// Message is the metadata of one upstream mailbox message: the headers the
// bank patterns match against, plus the snippet used for amount extraction
// and reference-number checks.
type Message struct {
	ID         string
	ThreadID   string
	HistoryID  string
	From       string // raw From header, e.g. `Mizuho Bank <transfer@mizuhobank.co.jp>`
	Subject    string
	Date       string // raw Date header
	Snippet    string
	ReceivedAt time.Time
}

// PaymentInfo is the result of parsing one message against a bank pattern.
// Amount and PayerName are nil/empty when the pattern could not extract them.
type PaymentInfo struct {
	Amount       *int64
	PayerName    string
	TransferDate string
	BankName     string
	Snippet      string
	Confidence   float64 // coarse parse confidence, not match confidence
}

// Invoice is a workspace-scoped pending payment awaiting reconciliation.
// Read-only to the engine; status transitions happen externally.
type Invoice struct {
	ID                string
	WorkspaceID       string
	InvoiceNumber     string
	Amount            int64
	CustomerName      string
	TransferReference string
}

// Match statuses for a processed message.
const (
	MatchStatusPending = "pending"
	MatchStatusMatched = "matched"
	MatchStatusNoMatch = "no_match"
)
