package memory

import (
	"fmt"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onlytrade/onlytrade/internal/decision"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), zerolog.Nop())
}

func buyRecord(cycle int64, symbol string, shares int, price, fee float64, account *decision.Account) *decision.Record {
	return &decision.Record{
		Timestamp:      fmt.Sprintf("2025-03-10T02:%02d:00Z", cycle),
		CycleNumber:    cycle,
		DecisionSource: decision.SourceLLM,
		AccountState: decision.AccountState{
			TotalBalance:     account.TotalBalance(),
			AvailableBalance: account.Cash,
		},
		Decisions: []decision.SubDecision{{
			Action:         decision.ActionBuy,
			Symbol:         symbol,
			Executed:       true,
			FilledQuantity: shares,
			FilledNotional: float64(shares) * price,
			FeePaid:        fee,
			Price:          price,
			Confidence:     0.7,
			Timestamp:      fmt.Sprintf("2025-03-10T02:%02d:00Z", cycle),
			Success:        true,
		}},
		Success: true,
	}
}

func sellRecord(cycle int64, symbol string, shares int, price, fee, realized float64, account *decision.Account) *decision.Record {
	r := buyRecord(cycle, symbol, shares, price, fee, account)
	r.Decisions[0].Action = decision.ActionSell
	r.Decisions[0].RealizedPnL = realized
	return r
}

func holdRecord(cycle int64, symbol string, account *decision.Account) *decision.Record {
	r := buyRecord(cycle, symbol, 0, 0, 0, account)
	r.Decisions[0].Action = decision.ActionHold
	r.Decisions[0].Executed = false
	return r
}

func TestGetInitializesFreshSnapshot(t *testing.T) {
	s := newTestStore(t)

	snap, err := s.Get("trader_a", 300000)
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, snap.SchemaVersion)
	assert.Equal(t, 300000.0, snap.Cash)
	assert.Equal(t, 300000.0, snap.Stats.InitialBalance)
	assert.NotEmpty(t, snap.Meta.RunID)
	assert.Empty(t, snap.Holdings)
}

func TestApplyPersistsAndRehydrates(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, zerolog.Nop())

	_, err := s.Get("trader_a", 300000)
	require.NoError(t, err)

	account := &decision.Account{
		Cash: 269919.0,
		Holdings: map[string]decision.Holding{
			"600000": {Symbol: "600000", Shares: 300, AvgCost: 100, MarkPrice: 100},
		},
	}
	require.NoError(t, s.Apply("trader_a", buyRecord(1, "600000", 300, 100, 9, account), account))

	// A second store over the same directory hydrates from disk.
	s2 := NewStore(dir, zerolog.Nop())
	snap, err := s2.Get("trader_a", 0)
	require.NoError(t, err)

	assert.Equal(t, 269919.0, snap.Cash)
	require.Len(t, snap.Holdings, 1)
	assert.Equal(t, 300.0, snap.Holdings[0].Shares)
	assert.Equal(t, int64(1), snap.Stats.BuyTrades)

	got := snap.Account()
	assert.Equal(t, 269919.0, got.Cash)
	assert.Equal(t, 300.0, got.Holdings["600000"].Shares)
	assert.Equal(t, map[string]float64{"600000": 300}, snap.PositionShares())
}

func TestApplyStatUpdates(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("trader_a", 300000)
	require.NoError(t, err)

	account := &decision.Account{Cash: 269919, Holdings: map[string]decision.Holding{
		"600000": {Symbol: "600000", Shares: 300, AvgCost: 100, MarkPrice: 100},
	}}
	require.NoError(t, s.Apply("trader_a", buyRecord(1, "600000", 300, 100, 9, account), account))

	account = &decision.Account{Cash: 299902, Holdings: map[string]decision.Holding{}}
	require.NoError(t, s.Apply("trader_a", sellRecord(2, "600000", 300, 100, 9, -9, account), account))

	account = &decision.Account{Cash: 299902, Holdings: map[string]decision.Holding{}}
	require.NoError(t, s.Apply("trader_a", holdRecord(3, "600000", account), account))

	snap, err := s.Get("trader_a", 0)
	require.NoError(t, err)

	assert.Equal(t, int64(3), snap.Stats.Decisions)
	assert.Equal(t, int64(1), snap.Stats.BuyTrades)
	assert.Equal(t, int64(1), snap.Stats.SellTrades)
	assert.Equal(t, int64(1), snap.Stats.Holds)
	assert.Equal(t, int64(1), snap.Stats.Losses)
	assert.Equal(t, int64(0), snap.Stats.Wins)
	assert.Equal(t, 18.0, snap.Stats.TotalFeesPaid)
	assert.Equal(t, -9.0, snap.Stats.TotalRealizedPnL)
	assert.Len(t, snap.TradeEvents, 2)
	assert.Len(t, snap.EquityCurve, 3)

	// Recent actions are newest first.
	require.Len(t, snap.RecentActions, 3)
	assert.Equal(t, decision.ActionHold, snap.RecentActions[0].Action)
	assert.Equal(t, decision.ActionBuy, snap.RecentActions[2].Action)
}

func TestOpenLotsConsumedFIFO(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("trader_a", 300000)
	require.NoError(t, err)

	account := &decision.Account{Cash: 0, Holdings: map[string]decision.Holding{
		"600000": {Symbol: "600000", Shares: 200, AvgCost: 10, MarkPrice: 10},
	}}
	require.NoError(t, s.Apply("trader_a", buyRecord(1, "600000", 200, 10, 1, account), account))

	account.Holdings["600000"] = decision.Holding{Symbol: "600000", Shares: 500, AvgCost: 10, MarkPrice: 10}
	require.NoError(t, s.Apply("trader_a", buyRecord(2, "600000", 300, 10, 1, account), account))

	snap, _ := s.Get("trader_a", 0)
	require.Len(t, snap.OpenLots, 2)

	// Selling 300 consumes the whole first lot and a third of the second.
	account = &decision.Account{Cash: 3000, Holdings: map[string]decision.Holding{
		"600000": {Symbol: "600000", Shares: 200, AvgCost: 10, MarkPrice: 10},
	}}
	require.NoError(t, s.Apply("trader_a", sellRecord(3, "600000", 300, 10, 1, 0, account), account))

	snap, _ = s.Get("trader_a", 0)
	require.Len(t, snap.OpenLots, 1)
	assert.Equal(t, 200, snap.OpenLots[0].Shares)
	assert.Equal(t, int64(2), snap.OpenLots[0].CycleNumber, "first lot fully consumed")
	assert.Len(t, snap.ClosedPositions, 1)
}

func TestRingCaps(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("trader_a", 10000)
	require.NoError(t, err)

	account := &decision.Account{Cash: 10000, Holdings: map[string]decision.Holding{}}
	for i := 0; i < maxRecentActions+10; i++ {
		require.NoError(t, s.Apply("trader_a", holdRecord(int64(i), "600000", account), account))
	}

	snap, _ := s.Get("trader_a", 0)
	assert.Len(t, snap.RecentActions, maxRecentActions)
	assert.LessOrEqual(t, len(snap.EquityCurve), maxEquityPoints)
	assert.Equal(t, int64(maxRecentActions+9), snap.RecentActions[0].CycleNumber, "newest kept")
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("trader_a", 10000)
	require.NoError(t, err)

	account := &decision.Account{Cash: 10000, Holdings: map[string]decision.Holding{}}
	require.NoError(t, s.Apply("trader_a", holdRecord(1, "600000", account), account))

	path := s.pathFor("trader_a")
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, s.Reset("trader_a"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Fresh snapshot after reset.
	snap, err := s.Get("trader_a", 20000)
	require.NoError(t, err)
	assert.Equal(t, 20000.0, snap.Cash)
	assert.Zero(t, snap.Stats.Decisions)

	// Resetting a trader with no snapshot is fine.
	require.NoError(t, s.Reset("trader_unknown"))
}

func TestDailyJournalRollup(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("trader_a", 10000)
	require.NoError(t, err)

	s.SetReplayPosition("trader_a", "2025-03-10", 0, 5, false, false)

	account := &decision.Account{Cash: 10000, Holdings: map[string]decision.Holding{}}
	require.NoError(t, s.Apply("trader_a", holdRecord(1, "600000", account), account))
	require.NoError(t, s.Apply("trader_a", holdRecord(2, "600000", account), account))

	s.SetReplayPosition("trader_a", "2025-03-11", 1, 0, true, false)
	require.NoError(t, s.Apply("trader_a", holdRecord(3, "600000", account), account))

	snap, _ := s.Get("trader_a", 0)
	require.Len(t, snap.DailyJournal, 2)
	assert.Equal(t, "2025-03-10", snap.DailyJournal[0].TradingDay)
	assert.Equal(t, int64(2), snap.DailyJournal[0].Decisions)
	assert.Equal(t, "2025-03-11", snap.DailyJournal[1].TradingDay)
	assert.Equal(t, int64(1), snap.DailyJournal[1].Decisions)
}
