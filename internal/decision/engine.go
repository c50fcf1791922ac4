package decision

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/onlytrade/onlytrade/internal/config"
	"github.com/onlytrade/onlytrade/internal/features"
	"github.com/onlytrade/onlytrade/internal/llm"
)

// Engine applies the guardrail pipeline and fill simulation to produce
// one decision record per trader cycle.
type Engine struct {
	guardrails config.GuardrailConfig
	feeRate    float64
	now        func() time.Time
	log        zerolog.Logger
}

// NewEngine creates a decision engine.
func NewEngine(guardrails config.GuardrailConfig, commissionRate float64, log zerolog.Logger) *Engine {
	return &Engine{
		guardrails: guardrails,
		feeRate:    commissionRate,
		now:        time.Now,
		log:        log.With().Str("component", "decision_engine").Logger(),
	}
}

// SetNowFunc overrides the clock, for tests.
func (e *Engine) SetNowFunc(now func() time.Time) { e.now = now }

// LotSize exposes the configured lot size.
func (e *Engine) LotSize() int { return e.guardrails.LotSize }

// Input is everything the engine needs for one evaluation.
type Input struct {
	TraderID     string
	TradingStyle string
	RiskProfile  string
	Cycle        int64

	Context *features.Context
	Account *Account

	// LLMDecision is nil when the model was not engaged or failed.
	LLMDecision *llm.Decision

	// Readiness gates the evaluation; ERROR forces a hold record.
	Readiness features.Readiness

	// FlatCycles counts consecutive hold cycles while flat, feeding the
	// anti-stall entries.
	FlatCycles int

	SystemPrompt string
	InputPrompt  string
}

// Evaluate produces the decision record and the post-decision account.
// The input account is never mutated.
func (e *Engine) Evaluate(in Input) (*Record, *Account) {
	now := e.now()
	ts := timestampOf(now)
	account := in.Account.Clone()
	ctx := in.Context

	record := &Record{
		Timestamp:      ts,
		CycleNumber:    in.Cycle,
		SystemPrompt:   in.SystemPrompt,
		InputPrompt:    in.InputPrompt,
		CandidateCoins: candidateSnapshots(ctx),
		Success:        true,
	}

	if in.Readiness.Level == features.LevelERROR {
		record.DecisionSource = SourceReadiness
		sub := SubDecision{
			Action:     ActionHold,
			Symbol:     ctx.Symbol,
			Price:      ctx.LatestPrice,
			Confidence: 0.51,
			Reasoning:  "readiness gate: " + strings.Join(in.Readiness.Reasons, ","),
			Timestamp:  ts,
			Success:    true,
		}
		record.Decisions = []SubDecision{sub}
		record.ExecutionLog = append(record.ExecutionLog, "readiness_gate: forced hold")
		e.finishRecord(record, account, ctx, in.Readiness)
		return record, account
	}

	var execLog []string

	chosen := in.LLMDecision
	if chosen != nil {
		record.DecisionSource = SourceLLM
		record.CotTrace = chosen.Reasoning
	} else {
		record.DecisionSource = SourceHeuristic
		chosen = heuristicDecide(in.TradingStyle, in.RiskProfile, ctx, e.guardrails.LotSize)
	}

	action := chosen.Action
	symbol := chosen.Symbol
	quantity := chosen.QuantityShares
	confidence := chosen.Confidence
	reasoning := chosen.Reasoning
	price := priceOf(ctx, symbol)

	// Long-only guard.
	if action == ActionSell {
		h, held := account.Holdings[symbol]
		if !held || h.Shares <= 0 {
			action = ActionHold
			quantity = 0
			reasoning = appendNote(reasoning, "long-only: no shares to sell")
			execLog = append(execLog, "long_only_guard: sell coerced to hold")
		}
	}

	// Anti-stall entries fire only when flat and holding.
	if action == ActionHold && len(account.Holdings) == 0 {
		if entry, lots, note := e.antiStallEntry(in, ctx); entry {
			action = ActionBuy
			quantity = lots * e.guardrails.LotSize
			reasoning = appendNote(reasoning, note)
			execLog = append(execLog, note)
		}
	}

	// Opening-phase cap.
	if ctx.OpeningPhaseMode && action != ActionHold {
		maxQty := e.guardrails.OpeningPhaseMaxLots * e.guardrails.LotSize
		if quantity > maxQty {
			quantity = maxQty
			execLog = append(execLog, "opening_phase_cap: quantity capped")
		}
		if confidence > e.guardrails.OpeningPhaseMaxConfidence {
			confidence = e.guardrails.OpeningPhaseMaxConfidence
		}
		if confidence < 0.51 {
			confidence = 0.51
		}
	}

	totalBalance := account.TotalBalance()

	if action == ActionBuy && price > 0 {
		// Turnover throttle; 1.0 means disabled.
		if pct := e.guardrails.TurnoverThrottlePct; pct > 0 && pct < 1 {
			maxNotional := totalBalance * pct
			if limit := lotFloor(int(math.Floor(maxNotional/price)), e.guardrails.LotSize); quantity > limit {
				quantity = limit
				execLog = append(execLog, "turnover_throttle: quantity clipped")
			}
		}

		// Position-count cap applies to opening a new symbol.
		if _, held := account.Holdings[symbol]; !held && len(account.Holdings) >= e.guardrails.MaxPositionCount {
			action = ActionHold
			quantity = 0
			reasoning = appendNote(reasoning, "position count cap reached")
			execLog = append(execLog, "position_count_cap: buy coerced to hold")
		}
	}

	if action == ActionBuy && price > 0 {
		// Symbol concentration cap.
		current := 0.0
		if h, held := account.Holdings[symbol]; held {
			current = h.Shares * h.MarkPrice
		}
		allowed := totalBalance*e.guardrails.MaxSymbolConcentrationPct - current
		limit := 0
		if allowed > 0 {
			limit = lotFloor(int(math.Floor(allowed/price)), e.guardrails.LotSize)
		}
		if quantity > limit {
			quantity = limit
			execLog = append(execLog, "concentration_cap: quantity clipped")
		}

		if quantity < e.guardrails.LotSize {
			action = ActionHold
			quantity = 0
			reasoning = appendNote(reasoning, "concentration cap left less than one lot")
			execLog = append(execLog, "concentration_cap: buy coerced to hold")
		}
	}

	// Cash reserve floor feeds the fill budget; a buy that cannot fill a
	// lot inside the budget comes back as insufficient_cash.
	spendable := account.Cash - totalBalance*e.guardrails.MinCashReservePct

	sub := simulateFill(account, action, symbol, quantity, price, spendable, e.feeRate, e.guardrails.LotSize, confidence, reasoning, ts)
	if sub.Error != "" {
		execLog = append(execLog, "fill: "+sub.Error)
	}

	record.Decisions = []SubDecision{sub}
	record.ExecutionLog = execLog
	record.DecisionJSON = decisionJSONOf(sub)
	e.finishRecord(record, account, ctx, in.Readiness)

	e.log.Debug().
		Str("trader_id", in.TraderID).
		Int64("cycle", in.Cycle).
		Str("source", record.DecisionSource).
		Str("action", sub.Action).
		Str("symbol", sub.Symbol).
		Int("filled", sub.FilledQuantity).
		Msg("Decision evaluated")

	return record, account
}

// antiStallEntry implements the flat-entry and conservative-probe rules.
func (e *Engine) antiStallEntry(in Input, ctx *features.Context) (bool, int, string) {
	rsi := ctx.Features.Daily.RSI14
	bearish := trendOf(ctx) == trendBearish

	if in.TradingStyle == llm.StyleMeanReversion && in.RiskProfile == llm.RiskConservative {
		if in.FlatCycles >= e.guardrails.ConservativeProbeMinCycles && !bearish &&
			rsi != nil && *rsi <= e.guardrails.ConservativeProbeMaxRSI &&
			(deref(ctx.Features.Intraday.Ret5) <= e.guardrails.ConservativeProbeRetGate ||
				deref(ctx.Features.Intraday.Ret20) <= e.guardrails.ConservativeProbeRetGate) {
			return true, e.guardrails.ConservativeProbeLots, "conservative_probe: entry after prolonged flat"
		}
	}

	if in.FlatCycles >= e.guardrails.FlatEntryMinCycles && !bearish &&
		rsi != nil && *rsi <= e.guardrails.FlatEntryMaxRSI {
		return true, e.guardrails.FlatEntryLots, "flat_entry: entry after prolonged flat"
	}

	return false, 0, ""
}

// finishRecord fills the account snapshot, positions and the Chinese
// reasoning trace.
func (e *Engine) finishRecord(record *Record, account *Account, ctx *features.Context, readiness features.Readiness) {
	total := account.TotalBalance()
	marginUsed := 0.0
	if total > 0 {
		marginUsed = (total - account.Cash) / total * 100
	}
	record.AccountState = AccountState{
		TotalBalance:          round2(total),
		AvailableBalance:      round2(account.Cash),
		TotalUnrealizedProfit: round2(account.UnrealizedProfit()),
		PositionCount:         len(account.Holdings),
		MarginUsedPct:         round2(marginUsed),
	}
	record.Positions = holdingsList(account)
	record.ReasoningStepsCN = reasoningStepsCN(record, ctx, readiness)
}

func holdingsList(account *Account) []Holding {
	out := make([]Holding, 0, len(account.Holdings))
	for _, h := range account.Holdings {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func candidateSnapshots(ctx *features.Context) []CandidateSnapshot {
	out := make([]CandidateSnapshot, 0, len(ctx.Candidates))
	for _, c := range ctx.Candidates {
		out = append(out, CandidateSnapshot{
			Symbol:         c.Symbol,
			LatestPrice:    c.LatestPrice,
			Ret5:           c.Ret5,
			Ret20:          c.Ret20,
			VolRatio20:     c.VolRatio20,
			RSI14:          c.RSI14,
			RankScore:      c.RankScore,
			PositionShares: c.PositionShares,
		})
	}
	return out
}

// priceOf resolves the fill price for a symbol from the candidate set,
// defaulting to the context's latest price.
func priceOf(ctx *features.Context, symbol string) float64 {
	for _, c := range ctx.Candidates {
		if c.Symbol == symbol && c.LatestPrice > 0 {
			return c.LatestPrice
		}
	}
	return ctx.LatestPrice
}

// reasoningStepsCN renders the 2-4 line Chinese reasoning trace: data
// status, feature snapshot, then the action taken.
func reasoningStepsCN(record *Record, ctx *features.Context, readiness features.Readiness) []string {
	var steps []string

	switch readiness.Level {
	case features.LevelOK:
		steps = append(steps, fmt.Sprintf("数据就绪：分钟线%d根，日线%d根。", ctx.IntradayCount, ctx.DailyCount))
	case features.LevelWARN:
		steps = append(steps, fmt.Sprintf("数据基本就绪（%s），继续评估。", strings.Join(readiness.Reasons, "、")))
	default:
		steps = append(steps, fmt.Sprintf("数据未就绪（%s），本轮强制观望。", strings.Join(readiness.Reasons, "、")))
	}

	if readiness.Level != features.LevelERROR {
		steps = append(steps, fmt.Sprintf("特征：ret5=%s，rsi14=%s，量比=%s。",
			fmtCN(ctx.Features.Intraday.Ret5, 4),
			fmtCN(ctx.Features.Daily.RSI14, 1),
			fmtCN(ctx.Features.Intraday.VolRatio20, 2)))
	}

	if len(record.Decisions) > 0 {
		sub := record.Decisions[0]
		switch sub.Action {
		case ActionBuy:
			steps = append(steps, fmt.Sprintf("决定买入 %s %d股（价格%.2f，信心%.2f）。", sub.Symbol, sub.FilledQuantity, sub.Price, sub.Confidence))
		case ActionSell:
			steps = append(steps, fmt.Sprintf("决定卖出 %s %d股（价格%.2f，已实现盈亏%.2f）。", sub.Symbol, sub.FilledQuantity, sub.Price, sub.RealizedPnL))
		default:
			steps = append(steps, fmt.Sprintf("决定观望 %s。", sub.Symbol))
		}
	}

	return steps
}

func fmtCN(v *float64, prec int) string {
	if v == nil {
		return "缺失"
	}
	return fmt.Sprintf("%.*f", prec, *v)
}

func appendNote(reasoning, note string) string {
	if reasoning == "" {
		return note
	}
	return reasoning + "; " + note
}

func decisionJSONOf(sub SubDecision) string {
	return fmt.Sprintf(`{"action":%q,"symbol":%q,"quantity":%d,"confidence":%.2f}`,
		sub.Action, sub.Symbol, sub.FilledQuantity, sub.Confidence)
}
