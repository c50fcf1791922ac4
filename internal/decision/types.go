// Package decision turns a trader context plus an optional LLM decision
// into one deterministic, guardrail-checked, fill-simulated decision
// record.
package decision

import "time"

// Actions.
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
	ActionHold = "hold"
)

// Decision sources.
const (
	SourceLLM       = "llm.openai"
	SourceHeuristic = "rule.heuristic"
	SourceReadiness = "readiness_gate"
)

// Holding is one open position of a trader.
type Holding struct {
	Symbol    string  `json:"symbol"`
	Shares    float64 `json:"shares"`
	AvgCost   float64 `json:"avg_cost"`
	MarkPrice float64 `json:"mark_price"`
}

// Account is the portfolio state the engine operates on. Holdings are
// keyed by symbol; the engine mutates a copy and reports the result via
// the record's account_state.
type Account struct {
	Cash     float64
	Holdings map[string]Holding
}

// TotalBalance is cash plus the marked value of all holdings.
func (a *Account) TotalBalance() float64 {
	total := a.Cash
	for _, h := range a.Holdings {
		total += h.Shares * h.MarkPrice
	}
	return total
}

// UnrealizedProfit sums (mark - avg_cost) x shares across holdings.
func (a *Account) UnrealizedProfit() float64 {
	var total float64
	for _, h := range a.Holdings {
		total += (h.MarkPrice - h.AvgCost) * h.Shares
	}
	return total
}

// Clone deep-copies the account so simulation never mutates the caller's
// state until the runtime applies the record.
func (a *Account) Clone() *Account {
	out := &Account{Cash: a.Cash, Holdings: make(map[string]Holding, len(a.Holdings))}
	for sym, h := range a.Holdings {
		out.Holdings[sym] = h
	}
	return out
}

// AccountState is the persisted snapshot of the account after the
// decision.
type AccountState struct {
	TotalBalance          float64 `json:"total_balance"`
	AvailableBalance      float64 `json:"available_balance"`
	TotalUnrealizedProfit float64 `json:"total_unrealized_profit"`
	PositionCount         int     `json:"position_count"`
	MarginUsedPct         float64 `json:"margin_used_pct"`
}

// SubDecision is the single executed decision inside a record.
type SubDecision struct {
	Action            string   `json:"action"`
	Symbol            string   `json:"symbol"`
	Quantity          int      `json:"quantity"`
	RequestedQuantity int      `json:"requested_quantity"`
	Executed          bool     `json:"executed"`
	FilledQuantity    int      `json:"filled_quantity"`
	FilledNotional    float64  `json:"filled_notional"`
	FeePaid           float64  `json:"fee_paid"`
	RealizedPnL       float64  `json:"realized_pnl"`
	Price             float64  `json:"price"`
	StopLoss          *float64 `json:"stop_loss,omitempty"`
	TakeProfit        *float64 `json:"take_profit,omitempty"`
	Confidence        float64  `json:"confidence"`
	Reasoning         string   `json:"reasoning"`
	OrderID           string   `json:"order_id"`
	Timestamp         string   `json:"timestamp"`
	Success           bool     `json:"success"`
	Error             string   `json:"error,omitempty"`
}

// CandidateSnapshot mirrors the candidate set into the persisted record.
type CandidateSnapshot struct {
	Symbol         string   `json:"symbol"`
	LatestPrice    float64  `json:"latest_price"`
	Ret5           *float64 `json:"ret_5"`
	Ret20          *float64 `json:"ret_20"`
	VolRatio20     *float64 `json:"vol_ratio_20"`
	RSI14          *float64 `json:"rsi_14"`
	RankScore      float64  `json:"rank_score"`
	PositionShares float64  `json:"position_shares"`
}

// Record is one persisted decision evaluation.
type Record struct {
	Timestamp        string              `json:"timestamp"`
	CycleNumber      int64               `json:"cycle_number"`
	SystemPrompt     string              `json:"system_prompt,omitempty"`
	InputPrompt      string              `json:"input_prompt,omitempty"`
	CotTrace         string              `json:"cot_trace,omitempty"`
	DecisionJSON     string              `json:"decision_json,omitempty"`
	DecisionSource   string              `json:"decision_source"`
	AccountState     AccountState        `json:"account_state"`
	Positions        []Holding           `json:"positions"`
	CandidateCoins   []CandidateSnapshot `json:"candidate_coins"`
	Decisions        []SubDecision       `json:"decisions"`
	ExecutionLog     []string            `json:"execution_log"`
	Success          bool                `json:"success"`
	ErrorMessage     string              `json:"error_message,omitempty"`
	ReasoningStepsCN []string            `json:"reasoning_steps_cn"`
}

// timestampOf renders the record timestamp format.
func timestampOf(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
