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

// Package poller orchestrates one reconciliation run across all active
// mailbox configs: token refresh, message fetch, parse, match, persist, and
// error bookkeeping. All persistence is idempotent upsert, so an aborted run
// only loses forward progress — the next run picks up from the stored
// history cursor.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shiharai/reconciler/internal/bankparse"
	"github.com/shiharai/reconciler/internal/breaker"
	"github.com/shiharai/reconciler/internal/gmail"
	"github.com/shiharai/reconciler/internal/match"
	"github.com/shiharai/reconciler/internal/metrics"
	"github.com/shiharai/reconciler/internal/models"
	"github.com/shiharai/reconciler/internal/store"
	"github.com/shiharai/reconciler/internal/vault"
)

// ConfigStore is the mailbox-config persistence the poller needs.
// Implemented by store.Store.
type ConfigStore interface {
	ListDueConfigs(ctx context.Context, limit int) ([]store.MailboxConfig, error)
	MarkPollSuccess(ctx context.Context, configID, historyID string) error
	MarkPollFailure(ctx context.Context, configID, message string) (int, error)
	Deactivate(ctx context.Context, configID string) error
}

// MessageStore persists processed messages and their match candidates.
// Implemented by store.Store.
type MessageStore interface {
	UpsertMessage(ctx context.Context, m *store.ProcessedMessage) (int64, error)
	SetMatchStatus(ctx context.Context, messageRowID int64, status string) error
	UpsertCandidate(ctx context.Context, messageRowID int64, c match.Candidate) error
}

// MailClient is the upstream mail API surface. Implemented by gmail.Client.
type MailClient interface {
	AccessToken(ctx context.Context, refreshToken string) (string, error)
	ListMessages(ctx context.Context, accessToken, startHistoryID string, max int) ([]gmail.MessageRef, error)
	GetMessage(ctx context.Context, accessToken, messageID string) (*models.Message, error)
}

// Matcher proposes invoice candidates for a parsed payment. Implemented by
// match.Engine.
type Matcher interface {
	FindMatches(ctx context.Context, workspaceID string, parsed *models.PaymentInfo) ([]match.Candidate, error)
}

// SeenFilter short-circuits messages already handled recently. IsNew is a
// read-only check; MarkSeen is called only after the message has been fully
// persisted, so a failed attempt is retried on the next run. Implemented by
// dedup.Filter; optional.
type SeenFilter interface {
	IsNew(ctx context.Context, configID, messageID string) (bool, error)
	MarkSeen(ctx context.Context, configID, messageID string) error
}

// Config holds the scheduler's policy values.
type Config struct {
	BatchSize        int           // configs per run
	PageSize         int           // messages listed per config
	FetchConcurrency int           // parallel metadata fetches per config
	MaxErrorCount    int           // consecutive errors before deactivation
	RunTimeout       time.Duration // deadline for one run; 0 = none
	Interval         time.Duration // periodic run interval
}

// Defaults for the scheduler policy values.
const (
	DefaultBatchSize        = 10
	DefaultPageSize         = 50
	DefaultFetchConcurrency = 4
	DefaultMaxErrorCount    = 5
	DefaultInterval         = 5 * time.Minute
)

// Summary aggregates one run's outcome.
type Summary struct {
	Processed int `json:"processed"`
	Errored   int `json:"errors"`
	Skipped   int `json:"skipped"`
}

// Options wires the poller's collaborators.
type Options struct {
	Configs  ConfigStore
	Messages MessageStore
	Mail     MailClient
	Vault    *vault.Vault
	Breaker  *breaker.Breaker
	Matcher  Matcher
	Seen     SeenFilter // optional fast-path filter
	Lock     RunLock    // optional cross-instance run lock
	Config   Config
}

// Poller runs the reconciliation schedule.
type Poller struct {
	configs  ConfigStore
	messages MessageStore
	mail     MailClient
	vault    *vault.Vault
	breaker  *breaker.Breaker
	matcher  Matcher
	seen     SeenFilter
	lock     RunLock
	cfg      Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a poller. Zero policy values fall back to the defaults.
func New(opts Options) *Poller {
	cfg := opts.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = DefaultFetchConcurrency
	}
	if cfg.MaxErrorCount <= 0 {
		cfg.MaxErrorCount = DefaultMaxErrorCount
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	return &Poller{
		configs:  opts.Configs,
		messages: opts.Messages,
		mail:     opts.Mail,
		vault:    opts.Vault,
		breaker:  opts.Breaker,
		matcher:  opts.Matcher,
		seen:     opts.Seen,
		lock:     opts.Lock,
		cfg:      cfg,
	}
}

// RunOnce processes one batch of active configs, oldest poll first. When
// another instance holds the cross-instance lock it returns
// ErrRunInProgress: the holder is doing the same work.
func (p *Poller) RunOnce(ctx context.Context) (Summary, error) {
	if p.lock != nil {
		release, err := p.lock.Acquire(ctx)
		if errors.Is(err, ErrRunInProgress) {
			return Summary{}, ErrRunInProgress
		}
		if err != nil {
			return Summary{}, fmt.Errorf("acquire run lock: %w", err)
		}
		defer release()
	}

	if p.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RunTimeout)
		defer cancel()
	}

	configs, err := p.configs.ListDueConfigs(ctx, p.cfg.BatchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("list due configs: %w", err)
	}

	var sum Summary
	for i := range configs {
		cfg := &configs[i]

		if ctx.Err() != nil {
			slog.Warn("run deadline reached, deferring remaining configs",
				"remaining", len(configs)-i,
			)
			break
		}

		ok, err := p.breaker.CanExecute(ctx, cfg.ID)
		if err != nil {
			slog.Error("breaker state unavailable, skipping config",
				"config", cfg.ID,
				"error", err,
			)
			sum.Skipped++
			continue
		}
		if !ok {
			slog.Debug("circuit breaker open, skipping config", "config", cfg.ID)
			metrics.BreakerOpenTotal.Inc()
			sum.Skipped++
			continue
		}

		historyID, err := p.processConfig(ctx, cfg)
		if err != nil {
			p.recordFailure(ctx, cfg, err)
			sum.Errored++
			continue
		}

		if err := p.breaker.RecordSuccess(ctx, cfg.ID); err != nil {
			slog.Error("record breaker success", "config", cfg.ID, "error", err)
		}
		if err := p.configs.MarkPollSuccess(ctx, cfg.ID, historyID); err != nil {
			slog.Error("mark poll success", "config", cfg.ID, "error", err)
		}
		sum.Processed++
	}

	metrics.RunsTotal.Inc()
	metrics.ConfigsTotal.WithLabelValues("processed").Add(float64(sum.Processed))
	metrics.ConfigsTotal.WithLabelValues("errored").Add(float64(sum.Errored))
	metrics.ConfigsTotal.WithLabelValues("skipped").Add(float64(sum.Skipped))

	slog.Info("poll run complete",
		"processed", sum.Processed,
		"errored", sum.Errored,
		"skipped", sum.Skipped,
	)

	return sum, nil
}

// processConfig polls one mailbox and returns the newest history id seen
// (empty when no messages were fetched).
func (p *Poller) processConfig(ctx context.Context, cfg *store.MailboxConfig) (string, error) {
	refreshToken, err := p.vault.Decrypt(&cfg.Token)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}

	accessToken, err := p.mail.AccessToken(ctx, refreshToken)
	if err != nil {
		return "", err
	}

	refs, err := p.mail.ListMessages(ctx, accessToken, cfg.HistoryID, p.cfg.PageSize)
	if err != nil {
		return "", err
	}
	if len(refs) == 0 {
		return "", nil
	}

	compiled := bankparse.Compile(cfg.Patterns)

	// Bounded fan-out over message metadata fetches. Each message's upserts
	// are independent and idempotent, so a failure cancels the remaining
	// fetches without leaving anything inconsistent.
	var mu sync.Mutex
	var newest uint64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.FetchConcurrency)

	for _, ref := range refs {
		g.Go(func() error {
			historyID, err := p.processMessage(gctx, cfg, compiled, accessToken, ref)
			if err != nil {
				return err
			}
			if h, perr := strconv.ParseUint(historyID, 10, 64); perr == nil {
				mu.Lock()
				if h > newest {
					newest = h
				}
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return "", err
	}

	if newest == 0 {
		return "", nil
	}
	return strconv.FormatUint(newest, 10), nil
}

// processMessage fetches, parses, persists, and matches one message, and
// returns its history id.
func (p *Poller) processMessage(ctx context.Context, cfg *store.MailboxConfig, compiled []bankparse.Compiled, accessToken string, ref gmail.MessageRef) (string, error) {
	if p.seen != nil {
		isNew, err := p.seen.IsNew(ctx, cfg.ID, ref.ID)
		if err != nil {
			slog.Warn("seen filter unavailable, continuing without it", "error", err)
		} else if !isNew {
			return "", nil
		}
	}

	msg, err := p.mail.GetMessage(ctx, accessToken, ref.ID)
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "", nil // deleted upstream between list and fetch
	}

	parsed := bankparse.Parse(*msg, compiled)

	rec := &store.ProcessedMessage{
		ConfigID:   cfg.ID,
		MessageID:  msg.ID,
		ThreadID:   msg.ThreadID,
		Sender:     msg.From,
		Subject:    msg.Subject,
		Snippet:    msg.Snippet,
		ReceivedAt: msg.ReceivedAt,
	}
	if parsed != nil {
		rec.Amount = parsed.Amount
		rec.PayerName = parsed.PayerName
		rec.TransferDate = parsed.TransferDate
		rec.BankName = parsed.BankName
		rec.ParseConfidence = parsed.Confidence
		metrics.MessagesParsedTotal.Inc()
	}

	rowID, err := p.messages.UpsertMessage(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("upsert message %s: %w", msg.ID, err)
	}

	status := models.MatchStatusNoMatch
	if parsed != nil {
		candidates, err := p.matcher.FindMatches(ctx, cfg.WorkspaceID, parsed)
		if err != nil {
			return "", err
		}
		for _, c := range candidates {
			if err := p.messages.UpsertCandidate(ctx, rowID, c); err != nil {
				return "", fmt.Errorf("upsert candidate for invoice %s: %w", c.InvoiceID, err)
			}
			metrics.CandidatesTotal.WithLabelValues(c.Tier).Inc()
		}
		if len(candidates) > 0 {
			status = models.MatchStatusMatched
			slog.Info("match candidates proposed",
				"config", cfg.ID,
				"message_id", msg.ID,
				"candidates", len(candidates),
				"top_tier", candidates[0].Tier,
			)
		}
	}

	if err := p.messages.SetMatchStatus(ctx, rowID, status); err != nil {
		return "", fmt.Errorf("set match status: %w", err)
	}

	// Mark seen only now that the message is persisted; anything that failed
	// above leaves the message eligible for the next run.
	if p.seen != nil {
		if err := p.seen.MarkSeen(ctx, cfg.ID, ref.ID); err != nil {
			slog.Warn("seen filter mark failed, message may be refetched", "error", err)
		}
	}

	return msg.HistoryID, nil
}

// recordFailure does the error bookkeeping for one failed poll attempt. An
// authentication failure deactivates the config immediately — a revoked
// token cannot self-heal; other errors deactivate once the consecutive
// error count reaches the threshold.
func (p *Poller) recordFailure(ctx context.Context, cfg *store.MailboxConfig, cause error) {
	slog.Error("poll attempt failed",
		"config", cfg.ID,
		"workspace", cfg.WorkspaceID,
		"error", cause,
	)

	if err := p.breaker.RecordFailure(ctx, cfg.ID); err != nil {
		slog.Error("record breaker failure", "config", cfg.ID, "error", err)
	}

	count, err := p.configs.MarkPollFailure(ctx, cfg.ID, cause.Error())
	if err != nil {
		slog.Error("mark poll failure", "config", cfg.ID, "error", err)
		return
	}

	switch {
	case gmail.IsAuthError(cause):
		slog.Warn("authentication failure, deactivating config until reconnected",
			"config", cfg.ID,
		)
		if err := p.configs.Deactivate(ctx, cfg.ID); err != nil {
			slog.Error("deactivate config", "config", cfg.ID, "error", err)
		}
	case count >= p.cfg.MaxErrorCount:
		slog.Warn("consecutive error threshold reached, deactivating config",
			"config", cfg.ID,
			"errors", count,
		)
		if err := p.configs.Deactivate(ctx, cfg.ID); err != nil {
			slog.Error("deactivate config", "config", cfg.ID, "error", err)
		}
	}
}

// Start runs RunOnce immediately and then at the configured interval, until
// Stop is called or the context is cancelled.
func (p *Poller) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		p.runLogged(loopCtx)

		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				p.runLogged(loopCtx)
			}
		}
	}()

	slog.Info("polling scheduler started", "interval", p.cfg.Interval)
}

func (p *Poller) runLogged(ctx context.Context) {
	switch _, err := p.RunOnce(ctx); {
	case errors.Is(err, ErrRunInProgress):
		slog.Info("another run holds the lock, skipping")
	case err != nil:
		slog.Error("poll run failed", "error", err)
	}
}

// Stop shuts down the periodic run loop.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
