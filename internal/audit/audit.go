// Package audit persists the day-partitioned decision and audit logs.
// Both are append-only JSONL, bucketed by Asia/Shanghai calendar date.
package audit

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/onlytrade/onlytrade/internal/decision"
	"github.com/onlytrade/onlytrade/internal/features"
	"github.com/onlytrade/onlytrade/internal/market"
	"github.com/onlytrade/onlytrade/internal/store"
)

// Logger appends decision records and per-evaluation audit entries under
// the data directory.
type Logger struct {
	decisionsDir string
	auditDir     string
	log          zerolog.Logger
}

// NewLogger creates an audit logger rooted at dataDir.
func NewLogger(dataDir string, log zerolog.Logger) *Logger {
	return &Logger{
		decisionsDir: filepath.Join(dataDir, "decisions"),
		auditDir:     filepath.Join(dataDir, "audit", "decision_audit"),
		log:          log.With().Str("component", "audit").Logger(),
	}
}

// Entry is one audit line. Every evaluation gets one, including
// readiness-gated holds.
type Entry struct {
	Timestamp        string   `json:"timestamp"`
	TraderID         string   `json:"trader_id"`
	CycleNumber      int64    `json:"cycle_number"`
	DecisionSource   string   `json:"decision_source"`
	Action           string   `json:"action"`
	Symbol           string   `json:"symbol"`
	FilledQuantity   int      `json:"filled_quantity"`
	ReadinessLevel   string   `json:"readiness_level"`
	ReadinessReasons []string `json:"readiness_reasons,omitempty"`
	OpeningPhase     bool     `json:"opening_phase,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// dayOf buckets a timestamp into its Shanghai calendar date.
func dayOf(timestamp string) string {
	t, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		t = time.Now()
	}
	return market.TradingDayOf(t)
}

// AppendDecision writes one decision record line to the trader's daily
// decision log. Write failures are logged and swallowed; persistence
// must never break the trading loop.
func (l *Logger) AppendDecision(traderID string, record *decision.Record) {
	path := filepath.Join(l.decisionsDir, traderID, dayOf(record.Timestamp)+".jsonl")
	if err := store.AppendJSONL(path, record); err != nil {
		l.log.Error().Err(err).Str("trader_id", traderID).Msg("Failed to append decision log")
	}
}

// AppendAudit writes one audit entry line for an evaluation.
func (l *Logger) AppendAudit(traderID string, record *decision.Record, readiness features.Readiness) {
	entry := Entry{
		Timestamp:        record.Timestamp,
		TraderID:         traderID,
		CycleNumber:      record.CycleNumber,
		DecisionSource:   record.DecisionSource,
		ReadinessLevel:   readiness.Level,
		ReadinessReasons: readiness.Reasons,
		OpeningPhase:     readiness.OpeningPhaseActive,
		Error:            record.ErrorMessage,
	}
	if len(record.Decisions) > 0 {
		sub := record.Decisions[0]
		entry.Action = sub.Action
		entry.Symbol = sub.Symbol
		entry.FilledQuantity = sub.FilledQuantity
		if entry.Error == "" {
			entry.Error = sub.Error
		}
	}

	path := filepath.Join(l.auditDir, traderID, dayOf(record.Timestamp)+".jsonl")
	if err := store.AppendJSONL(path, entry); err != nil {
		l.log.Error().Err(err).Str("trader_id", traderID).Msg("Failed to append audit log")
	}
}

// LatestDecisions returns the last n decision records for a trader on a
// given day (today when day is empty), newest last. Malformed lines are
// skipped by the tail reader.
func (l *Logger) LatestDecisions(traderID, day string, n int) ([]*decision.Record, error) {
	if day == "" {
		day = market.TradingDayOf(time.Now())
	}
	path := filepath.Join(l.decisionsDir, traderID, day+".jsonl")

	lines, err := store.TailJSONL(path, n)
	if err != nil {
		return nil, fmt.Errorf("failed to tail decisions for %s: %w", traderID, err)
	}

	records := make([]*decision.Record, 0, len(lines))
	for _, line := range lines {
		var record decision.Record
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}
