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

package poller

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shiharai/reconciler/internal/bankparse"
	"github.com/shiharai/reconciler/internal/breaker"
	"github.com/shiharai/reconciler/internal/gmail"
	"github.com/shiharai/reconciler/internal/match"
	"github.com/shiharai/reconciler/internal/models"
	"github.com/shiharai/reconciler/internal/store"
	"github.com/shiharai/reconciler/internal/vault"
)

// mockConfigs implements ConfigStore over a slice.
type mockConfigs struct {
	mu          sync.Mutex
	configs     []store.MailboxConfig
	successes   map[string]string // config id -> history id passed
	errorCounts map[string]int
	lastErrors  map[string]string
	deactivated map[string]bool
}

func newMockConfigs(configs ...store.MailboxConfig) *mockConfigs {
	return &mockConfigs{
		configs:     configs,
		successes:   make(map[string]string),
		errorCounts: make(map[string]int),
		lastErrors:  make(map[string]string),
		deactivated: make(map[string]bool),
	}
}

func (m *mockConfigs) ListDueConfigs(_ context.Context, limit int) ([]store.MailboxConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []store.MailboxConfig
	for _, c := range m.configs {
		if len(due) == limit {
			break
		}
		if !m.deactivated[c.ID] {
			due = append(due, c)
		}
	}
	return due, nil
}

func (m *mockConfigs) MarkPollSuccess(_ context.Context, configID, historyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes[configID] = historyID
	m.errorCounts[configID] = 0
	return nil
}

func (m *mockConfigs) MarkPollFailure(_ context.Context, configID, message string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCounts[configID]++
	m.lastErrors[configID] = message
	return m.errorCounts[configID], nil
}

func (m *mockConfigs) Deactivate(_ context.Context, configID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivated[configID] = true
	return nil
}

// mockMessages implements MessageStore with map-backed idempotent upserts.
type mockMessages struct {
	mu         sync.Mutex
	nextID     int64
	rows       map[string]*store.ProcessedMessage // config:message -> row
	candidates map[string]match.Candidate         // rowID:invoice -> candidate
	statuses   map[int64]string
}

func newMockMessages() *mockMessages {
	return &mockMessages{
		rows:       make(map[string]*store.ProcessedMessage),
		candidates: make(map[string]match.Candidate),
		statuses:   make(map[int64]string),
	}
}

func (m *mockMessages) UpsertMessage(_ context.Context, rec *store.ProcessedMessage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.ConfigID + ":" + rec.MessageID
	if existing, ok := m.rows[key]; ok {
		id := existing.ID
		*existing = *rec
		existing.ID = id
		return id, nil
	}
	m.nextID++
	rec.ID = m.nextID
	m.rows[key] = rec
	return rec.ID, nil
}

func (m *mockMessages) SetMatchStatus(_ context.Context, messageRowID int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[messageRowID] = status
	return nil
}

func (m *mockMessages) UpsertCandidate(_ context.Context, messageRowID int64, c match.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates[fmt.Sprintf("%d:%s", messageRowID, c.InvoiceID)] = c
	return nil
}

func (m *mockMessages) status(configID, messageID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[configID+":"+messageID]
	if !ok {
		return ""
	}
	return m.statuses[row.ID]
}

// mockMail implements MailClient over fixed messages.
type mockMail struct {
	mu         sync.Mutex
	tokenCalls int
	tokenErr   error
	refs       []gmail.MessageRef
	listErr    error
	msgs       map[string]*models.Message
	getErr     error
	failGet    map[string]int // per-message transient failures remaining
	getCalls   map[string]int
}

func (m *mockMail) AccessToken(_ context.Context, refreshToken string) (string, error) {
	m.mu.Lock()
	m.tokenCalls++
	m.mu.Unlock()
	if m.tokenErr != nil {
		return "", m.tokenErr
	}
	if refreshToken != "1//refresh" {
		return "", fmt.Errorf("unexpected refresh token %q", refreshToken)
	}
	return "access-token", nil
}

func (m *mockMail) ListMessages(_ context.Context, accessToken, _ string, _ int) ([]gmail.MessageRef, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	if accessToken != "access-token" {
		return nil, fmt.Errorf("unexpected access token %q", accessToken)
	}
	return m.refs, nil
}

func (m *mockMail) GetMessage(_ context.Context, _, messageID string) (*models.Message, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	if m.getCalls == nil {
		m.getCalls = make(map[string]int)
	}
	m.getCalls[messageID]++
	if m.failGet[messageID] > 0 {
		m.failGet[messageID]--
		m.mu.Unlock()
		return nil, &gmail.StatusError{Code: http.StatusServiceUnavailable}
	}
	m.mu.Unlock()
	return m.msgs[messageID], nil
}

// mockSeen implements SeenFilter over a map.
type mockSeen struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMockSeen() *mockSeen {
	return &mockSeen{seen: make(map[string]bool)}
}

func (m *mockSeen) IsNew(_ context.Context, configID, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.seen[configID+":"+messageID], nil
}

func (m *mockSeen) MarkSeen(_ context.Context, configID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[configID+":"+messageID] = true
	return nil
}

// stubInvoices feeds the real matching engine.
type stubInvoices struct {
	invoices []models.Invoice
}

func (s *stubInvoices) ListPendingInvoices(_ context.Context, _ string) ([]models.Invoice, error) {
	return s.invoices, nil
}

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New(1, map[int][]byte{1: bytes.Repeat([]byte{0x42}, 32)})
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func testConfig(t *testing.T, v *vault.Vault) store.MailboxConfig {
	t.Helper()
	sealed, err := v.Encrypt("1//refresh")
	if err != nil {
		t.Fatal(err)
	}
	return store.MailboxConfig{
		ID:           "cfg-1",
		WorkspaceID:  "ws-1",
		EmailAddress: "billing@acme.example",
		Token:        *sealed,
		Active:       true,
		Patterns: []bankparse.Pattern{{
			ID:             "p1",
			BankName:       "Example Bank",
			FromPattern:    `bank@example\.com`,
			SubjectPattern: `Transfer`,
			AmountPattern:  `¥(?<amount>[\d,]+)`,
			NamePattern:    `from ([A-Z ]+)`,
			Active:         true,
		}},
	}
}

func bankMessage(id, historyID string) *models.Message {
	return &models.Message{
		ID:         id,
		ThreadID:   "t-" + id,
		HistoryID:  historyID,
		From:       "Example Bank <bank@example.com>",
		Subject:    "Transfer Notice",
		Date:       "Mon, 2 Mar 2026 10:00:00 +0900",
		Snippet:    "¥10,000 received from YAMADA TARO",
		ReceivedAt: time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC),
	}
}

// newTestPoller wires real vault/breaker/match over the mocks.
func newTestPoller(configs *mockConfigs, messages *mockMessages, mail *mockMail, v *vault.Vault) *Poller {
	engine := match.NewEngine(&stubInvoices{invoices: []models.Invoice{
		{ID: "inv-1", WorkspaceID: "ws-1", Amount: 10000, CustomerName: "YAMADA TARO"},
	}}, 100)

	return New(Options{
		Configs:  configs,
		Messages: messages,
		Mail:     mail,
		Vault:    v,
		Breaker:  breaker.New(breaker.NewMemoryStore(), 3, 15*time.Minute),
		Matcher:  engine,
		Config:   Config{MaxErrorCount: 5},
	})
}

func TestRunOnce_ProcessesAndPersists(t *testing.T) {
	v := testVault(t)
	configs := newMockConfigs(testConfig(t, v))
	messages := newMockMessages()
	mail := &mockMail{
		refs: []gmail.MessageRef{{ID: "m1"}, {ID: "m2"}},
		msgs: map[string]*models.Message{
			"m1": bankMessage("m1", "4300"),
			"m2": {
				ID:        "m2",
				HistoryID: "4301",
				From:      "newsletter@other.example",
				Subject:   "Weekly digest",
				Snippet:   "nothing to do with money",
			},
		},
	}

	p := newTestPoller(configs, messages, mail, v)

	sum, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Processed != 1 || sum.Errored != 0 || sum.Skipped != 0 {
		t.Errorf("summary = %+v", sum)
	}

	// Both messages examined; only the bank one matched.
	if len(messages.rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(messages.rows))
	}
	if got := messages.status("cfg-1", "m1"); got != models.MatchStatusMatched {
		t.Errorf("m1 status = %q, want matched", got)
	}
	if got := messages.status("cfg-1", "m2"); got != models.MatchStatusNoMatch {
		t.Errorf("m2 status = %q, want no_match", got)
	}

	// One candidate, always pending, high tier.
	if len(messages.candidates) != 1 {
		t.Fatalf("candidates = %d, want 1", len(messages.candidates))
	}
	for _, c := range messages.candidates {
		if c.Status != "pending" {
			t.Errorf("candidate status = %q, want pending", c.Status)
		}
		if c.Tier != match.TierHigh {
			t.Errorf("candidate tier = %q, want high", c.Tier)
		}
	}

	// Cursor advanced to the newest fetched history id.
	if got := configs.successes["cfg-1"]; got != "4301" {
		t.Errorf("history cursor = %q, want 4301", got)
	}
}

// Processing the same messages twice must not duplicate rows or candidates.
func TestRunOnce_IdempotentAcrossRuns(t *testing.T) {
	v := testVault(t)
	configs := newMockConfigs(testConfig(t, v))
	messages := newMockMessages()
	mail := &mockMail{
		refs: []gmail.MessageRef{{ID: "m1"}},
		msgs: map[string]*models.Message{"m1": bankMessage("m1", "4300")},
	}

	p := newTestPoller(configs, messages, mail, v)

	for run := 0; run < 2; run++ {
		if _, err := p.RunOnce(context.Background()); err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
	}

	if len(messages.rows) != 1 {
		t.Errorf("rows = %d, want 1", len(messages.rows))
	}
	if len(messages.candidates) != 1 {
		t.Errorf("candidates = %d, want 1", len(messages.candidates))
	}
}

// A message whose fetch fails transiently must still be picked up by the
// next run: the seen filter marks messages only after they are persisted,
// and the cursor does not advance past an unprocessed message.
func TestRunOnce_FailedMessageRetriedDespiteSeenFilter(t *testing.T) {
	v := testVault(t)
	configs := newMockConfigs(testConfig(t, v))
	messages := newMockMessages()
	mail := &mockMail{
		refs: []gmail.MessageRef{{ID: "m1"}, {ID: "m2"}},
		msgs: map[string]*models.Message{
			"m1": bankMessage("m1", "4300"),
			"m2": bankMessage("m2", "4301"),
		},
		failGet: map[string]int{"m2": 1},
	}
	seen := newMockSeen()

	p := newTestPoller(configs, messages, mail, v)
	p.seen = seen

	sum, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run 1: %v", err)
	}
	if sum.Errored != 1 {
		t.Fatalf("run 1 errored = %d, want 1", sum.Errored)
	}
	if _, ok := configs.successes["cfg-1"]; ok {
		t.Fatal("cursor advanced on a failed run")
	}

	// Upstream heals and a newer message arrives before the retry.
	mail.mu.Lock()
	mail.refs = append(mail.refs, gmail.MessageRef{ID: "m3"})
	mail.msgs["m3"] = bankMessage("m3", "4302")
	mail.mu.Unlock()

	sum, err = p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run 2: %v", err)
	}
	if sum.Processed != 1 {
		t.Fatalf("run 2 processed = %d, want 1", sum.Processed)
	}

	messages.mu.Lock()
	_, m2Persisted := messages.rows["cfg-1:m2"]
	rowCount := len(messages.rows)
	messages.mu.Unlock()
	if !m2Persisted {
		t.Fatal("message whose fetch failed was never persisted on retry")
	}
	if rowCount != 3 {
		t.Errorf("rows = %d, want 3", rowCount)
	}
	if got := configs.successes["cfg-1"]; got != "4302" {
		t.Errorf("history cursor = %q, want 4302", got)
	}

	// Persisted messages are now short-circuited by the filter.
	mail.mu.Lock()
	callsBefore := mail.getCalls["m2"]
	mail.mu.Unlock()

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("run 3: %v", err)
	}

	mail.mu.Lock()
	callsAfter := mail.getCalls["m2"]
	mail.mu.Unlock()
	if callsAfter != callsBefore {
		t.Error("already-persisted message refetched after being marked seen")
	}
}

func TestRunOnce_AuthErrorDeactivatesImmediately(t *testing.T) {
	v := testVault(t)
	configs := newMockConfigs(testConfig(t, v))
	mail := &mockMail{tokenErr: &gmail.StatusError{Code: http.StatusUnauthorized}}

	p := newTestPoller(configs, newMockMessages(), mail, v)

	sum, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Errored != 1 {
		t.Errorf("errored = %d, want 1", sum.Errored)
	}
	if !configs.deactivated["cfg-1"] {
		t.Error("config not deactivated after auth failure")
	}
	if configs.errorCounts["cfg-1"] != 1 {
		t.Errorf("error count = %d, want 1", configs.errorCounts["cfg-1"])
	}
}

func TestRunOnce_ErrorThresholdDeactivates(t *testing.T) {
	v := testVault(t)
	configs := newMockConfigs(testConfig(t, v))
	configs.errorCounts["cfg-1"] = 4 // previous runs
	mail := &mockMail{listErr: &gmail.StatusError{Code: http.StatusInternalServerError}}

	p := newTestPoller(configs, newMockMessages(), mail, v)

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !configs.deactivated["cfg-1"] {
		t.Error("config not deactivated at error threshold")
	}
	if got := configs.lastErrors["cfg-1"]; got == "" {
		t.Error("last error not recorded")
	}
}

func TestRunOnce_TransientErrorKeepsConfigActive(t *testing.T) {
	v := testVault(t)
	configs := newMockConfigs(testConfig(t, v))
	mail := &mockMail{listErr: &gmail.StatusError{Code: http.StatusServiceUnavailable}}

	p := newTestPoller(configs, newMockMessages(), mail, v)

	sum, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Errored != 1 {
		t.Errorf("errored = %d, want 1", sum.Errored)
	}
	if configs.deactivated["cfg-1"] {
		t.Error("config deactivated on first transient error")
	}
}

func TestRunOnce_OpenBreakerSkipsWithoutErrorBookkeeping(t *testing.T) {
	v := testVault(t)
	configs := newMockConfigs(testConfig(t, v))
	mail := &mockMail{listErr: &gmail.StatusError{Code: http.StatusServiceUnavailable}}

	p := newTestPoller(configs, newMockMessages(), mail, v)

	// Three failing runs open the breaker.
	for i := 0; i < 3; i++ {
		if _, err := p.RunOnce(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	callsBefore := mail.tokenCalls
	errorsBefore := configs.errorCounts["cfg-1"]

	sum, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Skipped != 1 || sum.Errored != 0 {
		t.Errorf("summary = %+v, want 1 skipped", sum)
	}
	if mail.tokenCalls != callsBefore {
		t.Error("upstream called while breaker open")
	}
	if configs.errorCounts["cfg-1"] != errorsBefore {
		t.Error("error recorded for a skipped config")
	}
}

func TestRunOnce_DecryptFailureRecordedAsFailure(t *testing.T) {
	v := testVault(t)
	cfg := testConfig(t, v)
	cfg.Token.KeyVersion = 9 // key this vault does not have
	configs := newMockConfigs(cfg)
	mail := &mockMail{}

	p := newTestPoller(configs, newMockMessages(), mail, v)

	sum, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Errored != 1 {
		t.Errorf("errored = %d, want 1", sum.Errored)
	}
	if mail.tokenCalls != 0 {
		t.Error("upstream called despite decryption failure")
	}
	if configs.deactivated["cfg-1"] {
		t.Error("decryption failure should not deactivate on first occurrence")
	}
}

func TestRunOnce_EmptyMailboxKeepsCursor(t *testing.T) {
	v := testVault(t)
	cfg := testConfig(t, v)
	cfg.HistoryID = "4000"
	configs := newMockConfigs(cfg)
	mail := &mockMail{} // no messages

	p := newTestPoller(configs, newMockMessages(), mail, v)

	sum, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Processed != 1 {
		t.Errorf("processed = %d, want 1", sum.Processed)
	}
	// Empty history id means "keep the stored cursor".
	if got, ok := configs.successes["cfg-1"]; !ok || got != "" {
		t.Errorf("success history = %q (ok=%v), want empty", got, ok)
	}
}

// heldLock always reports another run in progress.
type heldLock struct{}

func (heldLock) Acquire(context.Context) (func(), error) { return nil, ErrRunInProgress }

func TestRunOnce_LockHeldIsNoOp(t *testing.T) {
	v := testVault(t)
	configs := newMockConfigs(testConfig(t, v))
	mail := &mockMail{}

	p := newTestPoller(configs, newMockMessages(), mail, v)
	p.lock = heldLock{}

	sum, err := p.RunOnce(context.Background())
	if err != ErrRunInProgress {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
	if sum != (Summary{}) {
		t.Errorf("summary = %+v, want zero", sum)
	}
	if mail.tokenCalls != 0 {
		t.Error("work performed while lock held elsewhere")
	}
}

func TestRunOnce_BatchSizeLimitsConfigs(t *testing.T) {
	v := testVault(t)
	first := testConfig(t, v)
	second := testConfig(t, v)
	second.ID = "cfg-2"
	configs := newMockConfigs(first, second)
	mail := &mockMail{}

	p := newTestPoller(configs, newMockMessages(), mail, v)
	p.cfg.BatchSize = 1

	sum, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Processed != 1 {
		t.Errorf("processed = %d, want 1", sum.Processed)
	}
}
