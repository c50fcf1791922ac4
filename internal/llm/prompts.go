package llm

import (
	"fmt"
	"strings"

	"github.com/onlytrade/onlytrade/internal/features"
)

// Trading styles and risk profiles recognized by the prompt builder.
const (
	StyleMomentumTrend = "momentum_trend"
	StyleMeanReversion = "mean_reversion"
	StyleEventDriven   = "event_driven"
	StyleMacroSwing    = "macro_swing"

	RiskConservative = "conservative"
	RiskBalanced     = "balanced"
	RiskAggressive   = "aggressive"
)

// PromptProfile carries the trader persona fields that shape the system
// prompt. All fields come from the agent manifest.
type PromptProfile struct {
	AgentName     string
	TradingStyle  string
	RiskProfile   string
	StrategyName  string
	Personality   string
	StylePromptCN string
}

// AccountDigest is the portfolio snapshot embedded in the user payload.
type AccountDigest struct {
	TotalBalance     float64
	AvailableBalance float64
	UnrealizedProfit float64
	Positions        []PositionDigest
}

// PositionDigest is one holding line of the prompt payload.
type PositionDigest struct {
	Symbol    string
	Shares    float64
	AvgCost   float64
	MarkPrice float64
}

// PromptBuilder builds system and user prompts for a trader persona.
type PromptBuilder struct {
	profile    PromptProfile
	tokenSaver bool
}

// NewPromptBuilder creates a prompt builder for one trader.
func NewPromptBuilder(profile PromptProfile, tokenSaver bool) *PromptBuilder {
	return &PromptBuilder{profile: profile, tokenSaver: tokenSaver}
}

const universalInstruction = `You are an A-share virtual trading agent. Objectives, in priority order: maximize total return, then minimize drawdown, then maximize Sharpe ratio. Rules: trades settle in whole lots of 100 shares; HOLD is always a valid choice; you may only pick symbols from the candidate set given; respond with JSON only, no prose outside the JSON.`

var stylePlaybooks = map[string]string{
	StyleMomentumTrend: `Playbook (momentum/trend): ride confirmed trends. Prefer buys when short and medium returns are positive with price above its moving averages and RSI below 72. Exit or sell when momentum rolls over (negative ret_5/ret_20, RSI at or above 72, or a bearish average cross). Avoid counter-trend entries.`,
	StyleMeanReversion: `Playbook (mean reversion): fade extremes. Prefer buys on controlled pullbacks with RSI at or below 47 when the larger trend is not bearish. Sell into overbought strength (RSI at or above 72) or sharp spikes against a weak trend. Avoid chasing breakouts.`,
	StyleEventDriven:   `Playbook (event driven): act only on unusual activity. Require a volume ratio of at least 1.2 with bullish price confirmation to buy, and at least 1.35 with bearish confirmation to sell. Without a volume signal, hold.`,
	StyleMacroSwing:    `Playbook (macro swing): take few, larger-horizon positions. Buy when the multi-week trend is bullish, RSI sits in the 44-70 band and medium-term returns are not deteriorating. Sell when the trend weakens (bearish cross, RSI at or above 75, or clearly negative medium-term returns). Patience over activity.`,
}

var riskNotes = map[string]string{
	RiskConservative: `Risk stance: conservative. Favor holds, smallest position sizes, and only high-conviction entries.`,
	RiskBalanced:     `Risk stance: balanced. Standard position sizes, moderate conviction thresholds.`,
	RiskAggressive:   `Risk stance: aggressive. Larger sizes on conviction are acceptable, but never exceed the stated constraints.`,
}

// SystemPrompt renders the persona-specific system prompt: universal
// instruction, style playbook, risk stance, then trader specifics.
func (pb *PromptBuilder) SystemPrompt() string {
	var b strings.Builder
	b.WriteString(universalInstruction)

	if playbook, ok := stylePlaybooks[pb.profile.TradingStyle]; ok {
		b.WriteString("\n\n")
		b.WriteString(playbook)
	}
	if note, ok := riskNotes[pb.profile.RiskProfile]; ok {
		b.WriteString("\n\n")
		b.WriteString(note)
	}

	if pb.profile.StrategyName != "" {
		fmt.Fprintf(&b, "\n\nStrategy: %s.", pb.profile.StrategyName)
	}
	if pb.profile.Personality != "" && !pb.tokenSaver {
		fmt.Fprintf(&b, "\nPersona: %s", pb.profile.Personality)
	}
	if pb.profile.StylePromptCN != "" && !pb.tokenSaver {
		fmt.Fprintf(&b, "\n交易风格：%s", pb.profile.StylePromptCN)
	}

	b.WriteString("\n\nReply with exactly this JSON shape: {\"decisions\":[{\"action\":\"buy|sell|hold\",\"symbol\":\"...\",\"confidence\":0.51-0.95,\"quantity_shares\":0 or a multiple of 100,\"reasoning\":\"...\"}]} with exactly one decision.")
	return b.String()
}

// UserPrompt renders the per-cycle feature digest. The token-saver
// variant shortens keys and drops the narrative text.
func (pb *PromptBuilder) UserPrompt(ctx *features.Context, account AccountDigest) string {
	var b strings.Builder

	if pb.tokenSaver {
		fmt.Fprintf(&b, "sym=%s px=%.2f cyc=%d\n", ctx.Symbol, ctx.LatestPrice, ctx.Cycle)
		fmt.Fprintf(&b, "i: r5=%s r20=%s atr=%s vr=%s\n",
			fmtFeature(ctx.Features.Intraday.Ret5, 4),
			fmtFeature(ctx.Features.Intraday.Ret20, 4),
			fmtFeature(ctx.Features.Intraday.ATR14, 3),
			fmtFeature(ctx.Features.Intraday.VolRatio20, 2))
		fmt.Fprintf(&b, "d: s20=%s s60=%s rsi=%s rng=%s\n",
			fmtFeature(ctx.Features.Daily.SMA20, 2),
			fmtFeature(ctx.Features.Daily.SMA60, 2),
			fmtFeature(ctx.Features.Daily.RSI14, 1),
			fmtFeature(ctx.Features.Daily.Range20DPct, 4))
		fmt.Fprintf(&b, "acct: tot=%.2f cash=%.2f upl=%.2f pos=%d\n",
			account.TotalBalance, account.AvailableBalance, account.UnrealizedProfit, len(account.Positions))
	} else {
		fmt.Fprintf(&b, "Symbol under review: %s at %.2f CNY (cycle %d).\n", ctx.Symbol, ctx.LatestPrice, ctx.Cycle)
		fmt.Fprintf(&b, "Intraday (1m x %d): ret_5=%s ret_20=%s atr_14=%s vol_ratio_20=%s\n",
			ctx.IntradayCount,
			fmtFeature(ctx.Features.Intraday.Ret5, 4),
			fmtFeature(ctx.Features.Intraday.Ret20, 4),
			fmtFeature(ctx.Features.Intraday.ATR14, 3),
			fmtFeature(ctx.Features.Intraday.VolRatio20, 2))
		fmt.Fprintf(&b, "Daily (1d x %d): sma_20=%s sma_60=%s rsi_14=%s range_20d_pct=%s\n",
			ctx.DailyCount,
			fmtFeature(ctx.Features.Daily.SMA20, 2),
			fmtFeature(ctx.Features.Daily.SMA60, 2),
			fmtFeature(ctx.Features.Daily.RSI14, 1),
			fmtFeature(ctx.Features.Daily.Range20DPct, 4))
		for _, line := range ctx.Narratives {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "Account: total=%.2f available=%.2f unrealized=%.2f\n",
			account.TotalBalance, account.AvailableBalance, account.UnrealizedProfit)
		for _, p := range account.Positions {
			fmt.Fprintf(&b, "  held %s: %.0f shares @ avg %.2f, mark %.2f\n", p.Symbol, p.Shares, p.AvgCost, p.MarkPrice)
		}
	}

	b.WriteString("Candidates:\n")
	for _, c := range ctx.Candidates {
		fmt.Fprintf(&b, "  %s px=%.2f r5=%s r20=%s vr=%s rsi=%s held=%.0f\n",
			c.Symbol, c.LatestPrice,
			fmtFeature(c.Ret5, 4), fmtFeature(c.Ret20, 4),
			fmtFeature(c.VolRatio20, 2), fmtFeature(c.RSI14, 1),
			c.PositionShares)
	}
	if ctx.OpeningPhaseMode {
		b.WriteString("Note: opening phase, limited intraday history; size and confidence are capped.\n")
	}

	return b.String()
}

func fmtFeature(v *float64, prec int) string {
	if v == nil {
		return "na"
	}
	return fmt.Sprintf("%.*f", prec, *v)
}
