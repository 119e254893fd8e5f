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

// Reconciler — One-Shot Poll Command
//
// Standalone CLI tool that runs a single reconciliation pass over the active
// mailbox configs and exits. Intended for cron-style deployments and for
// operators reproducing a run by hand.
//
// Usage:
//
//	go run ./cmd/pollonce/ [--batch 10] [--timeout 4m] [--no-lock]
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/shiharai/reconciler/internal/breaker"
	"github.com/shiharai/reconciler/internal/config"
	"github.com/shiharai/reconciler/internal/dedup"
	"github.com/shiharai/reconciler/internal/gmail"
	"github.com/shiharai/reconciler/internal/match"
	"github.com/shiharai/reconciler/internal/poller"
	"github.com/shiharai/reconciler/internal/store"
	"github.com/shiharai/reconciler/internal/vault"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	batchFlag := flag.Int("batch", 0, "Configs to process this run (0 = configured batch size)")
	timeoutFlag := flag.Duration("timeout", 0, "Run deadline (0 = configured run timeout)")
	noLockFlag := flag.Bool("no-lock", false, "Skip the cross-instance run lock (local debugging only)")
	flag.Parse()

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if *batchFlag > 0 {
		cfg.BatchSize = *batchFlag
	}
	if *timeoutFlag > 0 {
		cfg.RunTimeout = *timeoutFlag
	}

	slog.Info("starting one-shot poll",
		"batch_size", cfg.BatchSize,
		"timeout", cfg.RunTimeout,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	// --- Store, Vault, Breaker, Gmail, Matcher ---
	st, err := store.New(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	v, err := vault.New(cfg.EncryptionKeyVersion, cfg.EncryptionKeys)
	if err != nil {
		slog.Error("failed to open credential vault", "error", err)
		os.Exit(1)
	}

	var lock poller.RunLock
	if !*noLockFlag {
		lock = poller.NewRedisRunLock(rdb, cfg.RunTimeout+time.Minute)
	}

	p := poller.New(poller.Options{
		Configs:  st,
		Messages: st,
		Mail:     gmail.NewClient(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.TokenURL, cfg.GmailBaseURL),
		Vault:    v,
		Breaker:  breaker.New(breaker.NewRedisStore(rdb), cfg.BreakerThreshold, cfg.BreakerRecovery),
		Matcher:  match.NewEngine(st, cfg.AmountTolerance),
		Seen:     dedup.NewFilter(rdb),
		Lock:     lock,
		Config: poller.Config{
			BatchSize:        cfg.BatchSize,
			PageSize:         cfg.PageSize,
			FetchConcurrency: cfg.FetchConcurrency,
			MaxErrorCount:    cfg.MaxErrorCount,
			RunTimeout:       cfg.RunTimeout,
		},
	})

	// --- Run ---
	sum, err := p.RunOnce(ctx)
	if errors.Is(err, poller.ErrRunInProgress) {
		slog.Warn("another instance holds the run lock, nothing to do")
		return
	}
	if err != nil {
		slog.Error("poll run failed", "error", err)
		os.Exit(1)
	}

	slog.Info("poll complete",
		"processed", sum.Processed,
		"errors", sum.Errored,
		"skipped", sum.Skipped,
	)
}
