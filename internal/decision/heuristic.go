package decision

import (
	"github.com/onlytrade/onlytrade/internal/features"
	"github.com/onlytrade/onlytrade/internal/llm"
)

// trendState classifies the daily moving-average structure.
type trendState int

const (
	trendNeutral trendState = iota
	trendBullish
	trendBearish
)

// trendOf reads the daily SMA cross: price above a rising stack is
// bullish, below a falling stack is bearish, anything else neutral.
func trendOf(ctx *features.Context) trendState {
	s20 := ctx.Features.Daily.SMA20
	s60 := ctx.Features.Daily.SMA60
	if s20 == nil || s60 == nil || ctx.LatestPrice == 0 {
		return trendNeutral
	}
	if ctx.LatestPrice > *s20 && *s20 > *s60 {
		return trendBullish
	}
	if ctx.LatestPrice < *s20 && *s20 < *s60 {
		return trendBearish
	}
	return trendNeutral
}

// heuristicAction picks buy/sell/hold by trading style.
func heuristicAction(style string, ctx *features.Context) string {
	ret5 := deref(ctx.Features.Intraday.Ret5)
	ret20 := deref(ctx.Features.Intraday.Ret20)
	rsi := deref(ctx.Features.Daily.RSI14)
	volRatio := deref(ctx.Features.Intraday.VolRatio20)
	trend := trendOf(ctx)

	switch style {
	case llm.StyleMomentumTrend:
		if ret5 <= -0.0014 || ret20 <= -0.003 || rsi >= 72 || trend == trendBearish {
			return ActionSell
		}
		if (ret5 >= 0.0012 || ret20 >= 0.003) && trend == trendBullish && rsi <= 72 {
			return ActionBuy
		}

	case llm.StyleMeanReversion:
		if rsi >= 72 || (ret5 >= 0.004 && trend != trendBullish) {
			return ActionSell
		}
		if rsi <= 47 && trend != trendBearish && ret5 <= 0 && ret5 >= -0.006 {
			return ActionBuy
		}

	case llm.StyleEventDriven:
		if volRatio >= 1.35 && (ret5 < 0 || trend == trendBearish) {
			return ActionSell
		}
		if volRatio >= 1.2 && ret5 > 0 && trend != trendBearish {
			return ActionBuy
		}

	case llm.StyleMacroSwing:
		if trend == trendBearish || rsi >= 75 || ret20 <= -0.006 {
			return ActionSell
		}
		if trend == trendBullish && rsi >= 44 && rsi <= 70 && ret20 >= -0.002 {
			return ActionBuy
		}
	}

	return ActionHold
}

// heuristicConfidence derives confidence from momentum magnitude and RSI
// distance, adjusted by style and risk, clamped to [0.51, 0.92].
func heuristicConfidence(style, risk, action string, ctx *features.Context) float64 {
	conf := 0.55

	if r := ctx.Features.Intraday.Ret5; r != nil {
		mag := *r
		if mag < 0 {
			mag = -mag
		}
		conf += min(mag*40, 0.15)
	}
	if r := ctx.Features.Daily.RSI14; r != nil {
		// distance from neutral adds conviction for directional calls
		dist := *r - 50
		if dist < 0 {
			dist = -dist
		}
		if action != ActionHold {
			conf += min(dist/200, 0.1)
		}
	}

	switch trendOf(ctx) {
	case trendBullish:
		if action == ActionBuy {
			conf += 0.05
		}
	case trendBearish:
		if action == ActionSell {
			conf += 0.05
		}
	}

	switch risk {
	case llm.RiskConservative:
		conf -= 0.04
	case llm.RiskAggressive:
		conf += 0.04
	}
	if style == llm.StyleMacroSwing && action != ActionHold {
		conf += 0.02
	}

	if conf < 0.51 {
		conf = 0.51
	}
	if conf > 0.92 {
		conf = 0.92
	}
	return conf
}

// heuristicLots sizes the base order: conservative 1, balanced 1,
// aggressive 2; +1 lot on high conviction for non-conservative; macro
// swing caps at 1 unless aggressive.
func heuristicLots(style, risk string, confidence float64) int {
	lots := 1
	if risk == llm.RiskAggressive {
		lots = 2
	}
	if confidence >= 0.82 && risk != llm.RiskConservative {
		lots++
	}
	if style == llm.StyleMacroSwing && risk != llm.RiskAggressive && lots > 1 {
		lots = 1
	}
	return lots
}

// heuristicDecide runs the full heuristic baseline for a context.
func heuristicDecide(style, risk string, ctx *features.Context, lotSize int) *llm.Decision {
	action := heuristicAction(style, ctx)
	confidence := heuristicConfidence(style, risk, action, ctx)

	quantity := 0
	if action != ActionHold {
		quantity = heuristicLots(style, risk, confidence) * lotSize
	}

	return &llm.Decision{
		Action:         action,
		Symbol:         ctx.Symbol,
		Confidence:     confidence,
		QuantityShares: quantity,
		Reasoning:      "heuristic baseline by trading style",
	}
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
