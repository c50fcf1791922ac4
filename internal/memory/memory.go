// Package memory persists per-trader state snapshots. One JSON file per
// trader, schema agent.memory.v2, replaced atomically after every cycle.
package memory

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/onlytrade/onlytrade/internal/decision"
	"github.com/onlytrade/onlytrade/internal/store"
)

// SchemaVersion tags persisted snapshots.
const SchemaVersion = "agent.memory.v2"

// Ring caps for the append-trimmed histories.
const (
	maxTradeEvents   = 200
	maxRecentActions = 50
	maxEquityPoints  = 500
)

// Snapshot is the full persisted state of one trader.
type Snapshot struct {
	SchemaVersion string `json:"schema_version"`

	Meta struct {
		RunID     string `json:"run_id"`
		CreatedAt string `json:"created_at"`
		UpdatedAt string `json:"updated_at"`
	} `json:"meta"`

	Config struct {
		InitialBalance    float64 `json:"initial_balance"`
		DecisionEveryBars int     `json:"decision_every_bars"`
		LLMModel          string  `json:"llm_model"`
		CommissionRate    float64 `json:"commission_rate"`
	} `json:"config"`

	Replay struct {
		TradingDay string `json:"trading_day"`
		DayIndex   int    `json:"day_index"`
		BarCursor  int    `json:"bar_cursor"`
		IsDayStart bool   `json:"is_day_start"`
		IsDayEnd   bool   `json:"is_day_end"`
	} `json:"replay"`

	Stats Stats `json:"stats"`

	DailyJournal []DayRollup `json:"daily_journal"`

	Holdings        []decision.Holding `json:"holdings"`
	OpenLots        []TradeEvent       `json:"open_lots"`
	ClosedPositions []TradeEvent       `json:"closed_positions"`
	TradeEvents     []TradeEvent       `json:"trade_events"`
	RecentActions   []RecentAction     `json:"recent_actions"`
	EquityCurve     []EquityPoint      `json:"equity_curve"`

	Cash float64 `json:"cash"`
}

// Stats are the running performance counters.
type Stats struct {
	ReturnRatePct          float64 `json:"return_rate_pct"`
	Decisions              int64   `json:"decisions"`
	Wins                   int64   `json:"wins"`
	Losses                 int64   `json:"losses"`
	Holds                  int64   `json:"holds"`
	SellTrades             int64   `json:"sell_trades"`
	BuyTrades              int64   `json:"buy_trades"`
	LatestTotalBalance     float64 `json:"latest_total_balance"`
	LatestAvailableBalance float64 `json:"latest_available_balance"`
	LatestUnrealizedProfit float64 `json:"latest_unrealized_profit"`
	InitialBalance         float64 `json:"initial_balance"`
	TotalFeesPaid          float64 `json:"total_fees_paid"`
	TotalRealizedPnL       float64 `json:"total_realized_pnl"`
}

// TradeEvent is one buy or sell with its post-trade portfolio snapshot.
type TradeEvent struct {
	Timestamp        string  `json:"timestamp"`
	CycleNumber      int64   `json:"cycle_number"`
	Action           string  `json:"action"`
	Symbol           string  `json:"symbol"`
	Shares           int     `json:"shares"`
	Price            float64 `json:"price"`
	Notional         float64 `json:"notional"`
	Fee              float64 `json:"fee"`
	RealizedPnL      float64 `json:"realized_pnl"`
	CashAfter        float64 `json:"cash_after"`
	TotalAfter       float64 `json:"total_after"`
	PositionShares   float64 `json:"position_shares"`
	PositionAvgCost  float64 `json:"position_avg_cost"`
	UnrealizedProfit float64 `json:"unrealized_profit"`
}

// RecentAction is one decision summary, latest first.
type RecentAction struct {
	Timestamp   string  `json:"timestamp"`
	CycleNumber int64   `json:"cycle_number"`
	Action      string  `json:"action"`
	Symbol      string  `json:"symbol"`
	Quantity    int     `json:"quantity"`
	Confidence  float64 `json:"confidence"`
	Source      string  `json:"source"`
	Error       string  `json:"error,omitempty"`
}

// EquityPoint is one sampled equity-curve entry.
type EquityPoint struct {
	Timestamp    string  `json:"timestamp"`
	CycleNumber  int64   `json:"cycle_number"`
	TotalBalance float64 `json:"total_balance"`
}

// DayRollup summarizes one trading day.
type DayRollup struct {
	TradingDay  string  `json:"trading_day"`
	Decisions   int64   `json:"decisions"`
	Trades      int64   `json:"trades"`
	RealizedPnL float64 `json:"realized_pnl"`
	EndBalance  float64 `json:"end_balance"`
}

// Store manages per-trader snapshots under dir. It is the single writer;
// all mutations go through Apply.
type Store struct {
	mu  sync.Mutex
	dir string
	log zerolog.Logger

	cache map[string]*Snapshot
}

// NewStore creates a memory store rooted at dir
// (conventionally data/agent-memory).
func NewStore(dir string, log zerolog.Logger) *Store {
	return &Store{
		dir:   dir,
		log:   log.With().Str("component", "memory").Logger(),
		cache: make(map[string]*Snapshot),
	}
}

func (s *Store) pathFor(traderID string) string {
	return filepath.Join(s.dir, traderID+".json")
}

// Get returns the snapshot for a trader, hydrating from disk on first
// access and initializing a fresh snapshot when none exists.
func (s *Store) Get(traderID string, initialBalance float64) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(traderID, initialBalance)
}

func (s *Store) getLocked(traderID string, initialBalance float64) (*Snapshot, error) {
	if snap, ok := s.cache[traderID]; ok {
		return snap, nil
	}

	var snap Snapshot
	err := store.ReadJSON(s.pathFor(traderID), &snap)
	switch {
	case err == nil && snap.SchemaVersion == SchemaVersion:
		s.cache[traderID] = &snap
		return &snap, nil
	case err != nil && !os.IsNotExist(err):
		s.log.Warn().Err(err).Str("trader_id", traderID).Msg("Failed to hydrate memory snapshot, starting fresh")
	case err == nil:
		s.log.Warn().Str("trader_id", traderID).Str("schema", snap.SchemaVersion).Msg("Unknown memory schema, starting fresh")
	}

	fresh := newSnapshot(traderID, initialBalance)
	s.cache[traderID] = fresh
	return fresh, nil
}

func newSnapshot(traderID string, initialBalance float64) *Snapshot {
	now := time.Now().UTC().Format(time.RFC3339)
	snap := &Snapshot{SchemaVersion: SchemaVersion, Cash: initialBalance}
	snap.Meta.RunID = uuid.New().String()
	snap.Meta.CreatedAt = now
	snap.Meta.UpdatedAt = now
	snap.Config.InitialBalance = initialBalance
	snap.Stats.InitialBalance = initialBalance
	snap.Stats.LatestTotalBalance = initialBalance
	snap.Stats.LatestAvailableBalance = initialBalance
	return snap
}

// Reset discards the persisted snapshot for a trader. Used by
// RESET_AGENT_MEMORY_ON_BOOT.
func (s *Store) Reset(traderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, traderID)
	if err := os.Remove(s.pathFor(traderID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to reset memory for %s: %w", traderID, err)
	}
	return nil
}

// Account materializes the decision-engine view of a snapshot.
func (s *Snapshot) Account() *decision.Account {
	account := &decision.Account{
		Cash:     s.Cash,
		Holdings: make(map[string]decision.Holding, len(s.Holdings)),
	}
	for _, h := range s.Holdings {
		account.Holdings[h.Symbol] = h
	}
	return account
}

// PositionShares maps symbol to held shares, for the candidate set.
func (s *Snapshot) PositionShares() map[string]float64 {
	out := make(map[string]float64, len(s.Holdings))
	for _, h := range s.Holdings {
		out[h.Symbol] = h.Shares
	}
	return out
}

// Apply merges one decision record into the snapshot and persists it
// atomically. account is the post-decision state from the engine.
func (s *Store) Apply(traderID string, record *decision.Record, account *decision.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.getLocked(traderID, account.TotalBalance())
	if err != nil {
		return err
	}

	snap.Meta.UpdatedAt = record.Timestamp
	snap.Cash = account.Cash
	snap.Holdings = holdingsOf(account)

	snap.Stats.Decisions++
	snap.Stats.LatestTotalBalance = record.AccountState.TotalBalance
	snap.Stats.LatestAvailableBalance = record.AccountState.AvailableBalance
	snap.Stats.LatestUnrealizedProfit = record.AccountState.TotalUnrealizedProfit
	if snap.Stats.InitialBalance > 0 {
		snap.Stats.ReturnRatePct = round2((record.AccountState.TotalBalance/snap.Stats.InitialBalance - 1) * 100)
	}

	if len(record.Decisions) > 0 {
		sub := record.Decisions[0]

		snap.RecentActions = prependAction(snap.RecentActions, RecentAction{
			Timestamp:   sub.Timestamp,
			CycleNumber: record.CycleNumber,
			Action:      sub.Action,
			Symbol:      sub.Symbol,
			Quantity:    sub.FilledQuantity,
			Confidence:  sub.Confidence,
			Source:      record.DecisionSource,
			Error:       sub.Error,
		}, maxRecentActions)

		switch {
		case sub.Executed && sub.Action == decision.ActionBuy:
			snap.Stats.BuyTrades++
			snap.Stats.TotalFeesPaid = round2(snap.Stats.TotalFeesPaid + sub.FeePaid)
			snap.TradeEvents = appendTrimmed(snap.TradeEvents, tradeEventOf(record, sub, account), maxTradeEvents)
			snap.OpenLots = append(snap.OpenLots, tradeEventOf(record, sub, account))
		case sub.Executed && sub.Action == decision.ActionSell:
			snap.Stats.SellTrades++
			snap.Stats.TotalFeesPaid = round2(snap.Stats.TotalFeesPaid + sub.FeePaid)
			snap.Stats.TotalRealizedPnL = round2(snap.Stats.TotalRealizedPnL + sub.RealizedPnL)
			if sub.RealizedPnL > 0 {
				snap.Stats.Wins++
			} else if sub.RealizedPnL < 0 {
				snap.Stats.Losses++
			}
			event := tradeEventOf(record, sub, account)
			snap.TradeEvents = appendTrimmed(snap.TradeEvents, event, maxTradeEvents)
			snap.ClosedPositions = append(snap.ClosedPositions, event)
			snap.OpenLots = dropOpenLots(snap.OpenLots, sub.Symbol, sub.FilledQuantity)
		default:
			snap.Stats.Holds++
		}
	}

	snap.EquityCurve = appendEquity(snap.EquityCurve, EquityPoint{
		Timestamp:    record.Timestamp,
		CycleNumber:  record.CycleNumber,
		TotalBalance: record.AccountState.TotalBalance,
	}, maxEquityPoints)

	s.rollupDay(snap, record)

	if err := store.WriteJSONAtomic(s.pathFor(traderID), snap); err != nil {
		return fmt.Errorf("failed to persist memory for %s: %w", traderID, err)
	}
	return nil
}

// SetReplayPosition records the replay cursor context on the snapshot.
// Persisted on the next Apply.
func (s *Store) SetReplayPosition(traderID string, tradingDay string, dayIndex, barCursor int, dayStart, dayEnd bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.cache[traderID]
	if !ok {
		return
	}
	snap.Replay.TradingDay = tradingDay
	snap.Replay.DayIndex = dayIndex
	snap.Replay.BarCursor = barCursor
	snap.Replay.IsDayStart = dayStart
	snap.Replay.IsDayEnd = dayEnd
}

func (s *Store) rollupDay(snap *Snapshot, record *decision.Record) {
	day := snap.Replay.TradingDay
	if day == "" {
		if len(record.Timestamp) >= 10 {
			day = record.Timestamp[:10]
		} else {
			return
		}
	}

	var roll *DayRollup
	if n := len(snap.DailyJournal); n > 0 && snap.DailyJournal[n-1].TradingDay == day {
		roll = &snap.DailyJournal[n-1]
	} else {
		snap.DailyJournal = append(snap.DailyJournal, DayRollup{TradingDay: day})
		roll = &snap.DailyJournal[len(snap.DailyJournal)-1]
	}

	roll.Decisions++
	roll.EndBalance = record.AccountState.TotalBalance
	if len(record.Decisions) > 0 {
		sub := record.Decisions[0]
		if sub.Executed {
			roll.Trades++
			roll.RealizedPnL = round2(roll.RealizedPnL + sub.RealizedPnL)
		}
	}
}

func tradeEventOf(record *decision.Record, sub decision.SubDecision, account *decision.Account) TradeEvent {
	event := TradeEvent{
		Timestamp:        sub.Timestamp,
		CycleNumber:      record.CycleNumber,
		Action:           sub.Action,
		Symbol:           sub.Symbol,
		Shares:           sub.FilledQuantity,
		Price:            sub.Price,
		Notional:         sub.FilledNotional,
		Fee:              sub.FeePaid,
		RealizedPnL:      sub.RealizedPnL,
		CashAfter:        account.Cash,
		TotalAfter:       record.AccountState.TotalBalance,
		UnrealizedProfit: record.AccountState.TotalUnrealizedProfit,
	}
	if h, ok := account.Holdings[sub.Symbol]; ok {
		event.PositionShares = h.Shares
		event.PositionAvgCost = h.AvgCost
	}
	return event
}

func holdingsOf(account *decision.Account) []decision.Holding {
	out := make([]decision.Holding, 0, len(account.Holdings))
	for _, h := range account.Holdings {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// dropOpenLots consumes open lots FIFO for a sold quantity.
func dropOpenLots(lots []TradeEvent, symbol string, sold int) []TradeEvent {
	remaining := sold
	out := lots[:0]
	for _, lot := range lots {
		if lot.Symbol != symbol || remaining <= 0 {
			out = append(out, lot)
			continue
		}
		if lot.Shares <= remaining {
			remaining -= lot.Shares
			continue
		}
		lot.Shares -= remaining
		remaining = 0
		out = append(out, lot)
	}
	return out
}

func appendTrimmed(events []TradeEvent, event TradeEvent, limit int) []TradeEvent {
	events = append(events, event)
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}

func prependAction(actions []RecentAction, action RecentAction, limit int) []RecentAction {
	actions = append([]RecentAction{action}, actions...)
	if len(actions) > limit {
		actions = actions[:limit]
	}
	return actions
}

func appendEquity(points []EquityPoint, point EquityPoint, limit int) []EquityPoint {
	points = append(points, point)
	if len(points) > limit {
		points = points[len(points)-limit:]
	}
	return points
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
