package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onlytrade/onlytrade/internal/decision"
	"github.com/onlytrade/onlytrade/internal/features"
)

func testRecord(cycle int64, ts string) *decision.Record {
	return &decision.Record{
		Timestamp:      ts,
		CycleNumber:    cycle,
		DecisionSource: decision.SourceHeuristic,
		Decisions: []decision.SubDecision{{
			Action:         decision.ActionBuy,
			Symbol:         "600519",
			FilledQuantity: 100,
			Timestamp:      ts,
			Success:        true,
		}},
		Success: true,
	}
}

func TestAppendAndTailDecisions(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(dir, zerolog.Nop())

	// 02:00 UTC is 10:00 in Shanghai, same calendar date.
	l.AppendDecision("trader_alpha", testRecord(1, "2025-03-10T02:00:00Z"))
	l.AppendDecision("trader_alpha", testRecord(2, "2025-03-10T02:05:00Z"))
	l.AppendDecision("trader_alpha", testRecord(3, "2025-03-10T02:10:00Z"))

	records, err := l.LatestDecisions("trader_alpha", "2025-03-10", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(2), records[0].CycleNumber)
	assert.Equal(t, int64(3), records[1].CycleNumber, "newest last")

	// Missing day reads as empty.
	records, err = l.LatestDecisions("trader_alpha", "2025-03-11", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDayBucketingUsesShanghaiDate(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(dir, zerolog.Nop())

	// 20:00 UTC on March 10 is already March 11 in Shanghai.
	l.AppendDecision("trader_alpha", testRecord(1, "2025-03-10T20:00:00Z"))

	_, err := os.Stat(filepath.Join(dir, "decisions", "trader_alpha", "2025-03-11.jsonl"))
	assert.NoError(t, err)

	records, err := l.LatestDecisions("trader_alpha", "2025-03-11", 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestAppendAudit(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(dir, zerolog.Nop())

	record := testRecord(1, "2025-03-10T02:00:00Z")
	record.Decisions[0].Error = "insufficient_cash"
	readiness := features.Readiness{Level: features.LevelWARN, Reasons: []string{"data_stale"}}

	l.AppendAudit("trader_alpha", record, readiness)

	path := filepath.Join(dir, "audit", "decision_audit", "trader_alpha", "2025-03-10.jsonl")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	line := string(data)
	assert.Contains(t, line, `"trader_id":"trader_alpha"`)
	assert.Contains(t, line, `"readiness_level":"WARN"`)
	assert.Contains(t, line, `"data_stale"`)
	assert.Contains(t, line, `"error":"insufficient_cash"`)
}
