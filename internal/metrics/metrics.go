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

// Package metrics exposes Prometheus counters for poll runs and matching
// outcomes, served on the health endpoint's /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts completed poll runs.
	RunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_runs_total",
		Help: "Completed poll runs.",
	})

	// ConfigsTotal counts per-config outcomes within runs.
	ConfigsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_configs_total",
		Help: "Mailbox configs handled per outcome.",
	}, []string{"outcome"}) // processed, errored, skipped

	// MessagesParsedTotal counts messages that matched a bank pattern.
	MessagesParsedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_messages_parsed_total",
		Help: "Messages recognised by a bank pattern.",
	})

	// CandidatesTotal counts upserted match candidates by confidence tier.
	CandidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_match_candidates_total",
		Help: "Match candidates written, by confidence tier.",
	}, []string{"tier"})

	// BreakerOpenTotal counts circuit breaker skips.
	BreakerOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_breaker_open_skips_total",
		Help: "Configs skipped because their circuit breaker was open.",
	})
)
