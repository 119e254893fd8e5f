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

// Reconciler — Payment Reconciliation Service
//
// Entry point for the reconciliation service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Opens the credential vault with the configured key ring
//  4. Runs the polling scheduler over all active mailbox configs
//  5. Serves /health, /metrics, and a manual POST /run trigger
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	slog.Info("starting payment reconciliation service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"poll_interval", cfg.PollInterval,
		"batch_size", cfg.BatchSize,
		"key_version", cfg.EncryptionKeyVersion,
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
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Store (Postgres) ---
	st, err := store.New(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	// --- Credential Vault ---
	v, err := vault.New(cfg.EncryptionKeyVersion, cfg.EncryptionKeys)
	if err != nil {
		slog.Error("failed to open credential vault", "error", err)
		os.Exit(1)
	}

	// --- Circuit Breaker (state shared across instances via Redis) ---
	brk := breaker.New(breaker.NewRedisStore(rdb), cfg.BreakerThreshold, cfg.BreakerRecovery)

	// --- Gmail Client ---
	mail := gmail.NewClient(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.TokenURL, cfg.GmailBaseURL)

	// --- Matching Engine ---
	engine := match.NewEngine(st, cfg.AmountTolerance)

	// --- Polling Scheduler ---
	p := poller.New(poller.Options{
		Configs:  st,
		Messages: st,
		Mail:     mail,
		Vault:    v,
		Breaker:  brk,
		Matcher:  engine,
		Seen:     dedup.NewFilter(rdb),
		Lock:     poller.NewRedisRunLock(rdb, cfg.RunTimeout+time.Minute),
		Config: poller.Config{
			BatchSize:        cfg.BatchSize,
			PageSize:         cfg.PageSize,
			FetchConcurrency: cfg.FetchConcurrency,
			MaxErrorCount:    cfg.MaxErrorCount,
			RunTimeout:       cfg.RunTimeout,
			Interval:         cfg.PollInterval,
		},
	})
	p.Start(ctx)

	// --- HTTP Server ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		// Check Redis
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		// Check Postgres
		if err := pgPool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	// Manual trigger for operators; the run lock keeps it safe alongside
	// the scheduler.
	mux.HandleFunc("/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sum, err := p.RunOnce(r.Context())
		if err != nil {
			if errors.Is(err, poller.ErrRunInProgress) {
				http.Error(w, "run already in progress", http.StatusConflict)
				return
			}
			slog.Error("manual run failed", "error", err)
			http.Error(w, "run failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sum)
	})

	// Operator visibility into a mailbox's breaker state.
	mux.HandleFunc("GET /breakers/{config}", func(w http.ResponseWriter, r *http.Request) {
		configID := r.PathValue("config")
		state, err := brk.Current(r.Context(), configID)
		if err != nil {
			slog.Error("read breaker state", "config", configID, "error", err)
			http.Error(w, "breaker state unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"config": configID,
			"state":  string(state),
		})
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel() // Stop all background goroutines

		p.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("reconciliation service listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("reconciliation service stopped")
}
