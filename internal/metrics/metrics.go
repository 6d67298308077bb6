// Package metrics exposes the agent's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labs_agent_rounds_total",
		Help: "Orchestration rounds by outcome.",
	}, []string{"outcome"})

	ToolExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labs_agent_tool_executions_total",
		Help: "Tool calls by tool name and final status.",
	}, []string{"tool", "status"})

	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "labs_agent_tool_duration_seconds",
		Help:    "Tool executor latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})

	ConfirmationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labs_agent_confirmations_total",
		Help: "Resolved confirmation decisions.",
	}, []string{"decision"})

	ExtractedEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labs_agent_extracted_entries_total",
		Help: "Lab entries produced by the extractor.",
	})

	SkippedLinesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labs_agent_extract_skipped_lines_total",
		Help: "Canonical lines skipped by the extractor.",
	}, []string{"reason"})

	NormalizationFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labs_agent_normalization_fallbacks_total",
		Help: "Times the normalizer failed and raw text was parsed instead.",
	})
)
