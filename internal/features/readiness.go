package features

import (
	"fmt"
	"strings"
)

// Readiness levels, ordered.
const (
	LevelOK    = "OK"
	LevelWARN  = "WARN"
	LevelERROR = "ERROR"
)

// ReadinessConfig tunes the evaluator thresholds.
type ReadinessConfig struct {
	MinIntraday             int
	MinDaily                int
	FreshnessWarnMS         int64
	FreshnessErrorMS        int64
	OpeningPhaseEnabled     bool
	OpeningPhaseMinIntraday int
}

// DefaultReadinessConfig returns the production thresholds.
func DefaultReadinessConfig() ReadinessConfig {
	return ReadinessConfig{
		MinIntraday:             21,
		MinDaily:                61,
		FreshnessWarnMS:         150000,
		FreshnessErrorMS:        330000,
		OpeningPhaseEnabled:     true,
		OpeningPhaseMinIntraday: 5,
	}
}

// Readiness is the evaluation result for one context.
type Readiness struct {
	Level              string           `json:"level"`
	Reasons            []string         `json:"reasons,omitempty"`
	OpeningPhaseActive bool             `json:"opening_phase_active"`
	Metrics            ReadinessMetrics `json:"metrics"`
}

// ReadinessMetrics carries the raw inputs behind the verdict for audit
// records.
type ReadinessMetrics struct {
	IntradayFrames int   `json:"intraday_frames"`
	DailyFrames    int   `json:"daily_frames"`
	AgeMS          int64 `json:"age_ms"`
}

// coreFeatures must be present at any session phase.
var coreFeatures = []struct {
	name string
	get  func(*Context) *float64
}{
	{"intraday.ret_5", func(c *Context) *float64 { return c.Features.Intraday.Ret5 }},
	{"daily.sma_20", func(c *Context) *float64 { return c.Features.Daily.SMA20 }},
	{"daily.sma_60", func(c *Context) *float64 { return c.Features.Daily.SMA60 }},
	{"daily.rsi_14", func(c *Context) *float64 { return c.Features.Daily.RSI14 }},
}

// openingFlexibleFeatures need longer intraday history and are allowed to
// be pending during the opening phase.
var openingFlexibleFeatures = []struct {
	name string
	get  func(*Context) *float64
}{
	{"intraday.ret_20", func(c *Context) *float64 { return c.Features.Intraday.Ret20 }},
	{"intraday.atr_14", func(c *Context) *float64 { return c.Features.Intraday.ATR14 }},
	{"intraday.vol_ratio_20", func(c *Context) *float64 { return c.Features.Intraday.VolRatio20 }},
}

// EvaluateReadiness classifies a context as OK, WARN or ERROR. The level
// only ever escalates as checks fail, except for the opening-phase
// softening which can downgrade a short-history ERROR back to WARN when
// nothing fatal was found.
func EvaluateReadiness(ctx *Context, nowMS int64, cfg ReadinessConfig) Readiness {
	r := Readiness{
		Level: LevelOK,
		Metrics: ReadinessMetrics{
			IntradayFrames: ctx.IntradayCount,
			DailyFrames:    ctx.DailyCount,
		},
	}

	intradayShort := false
	fatal := false

	if ctx.IntradayCount < cfg.MinIntraday {
		intradayShort = true
		r.addReason(LevelERROR, "intraday_frames_insufficient")
		if ctx.IntradayCount < cfg.OpeningPhaseMinIntraday {
			fatal = true
		}
	}
	if ctx.DailyCount < cfg.MinDaily {
		fatal = true
		r.addReason(LevelERROR, "daily_frames_insufficient")
	}

	for _, f := range coreFeatures {
		if f.get(ctx) == nil {
			fatal = true
			r.addReason(LevelERROR, "feature_missing:"+f.name)
		}
	}
	for _, f := range openingFlexibleFeatures {
		if f.get(ctx) == nil {
			r.addReason(LevelERROR, "feature_missing:"+f.name)
		}
	}

	if ctx.Features.AsOfTSMS > 0 {
		r.Metrics.AgeMS = nowMS - ctx.Features.AsOfTSMS
		if r.Metrics.AgeMS > cfg.FreshnessErrorMS {
			fatal = true
			r.addReason(LevelERROR, "data_too_stale")
		} else if r.Metrics.AgeMS > cfg.FreshnessWarnMS {
			r.addReason(LevelWARN, "data_stale")
		}
	}

	if cfg.OpeningPhaseEnabled && intradayShort && !fatal {
		r.soften()
	}

	return r
}

// addReason appends a reason and escalates the level.
func (r *Readiness) addReason(level, reason string) {
	r.Reasons = append(r.Reasons, reason)
	if levelRank(level) > levelRank(r.Level) {
		r.Level = level
	}
}

// soften applies the opening-phase downgrade: the short intraday history
// becomes a WARN, opening-flexible features are marked pending rather
// than missing, and core checks were already verified clean by the
// caller.
func (r *Readiness) soften() {
	out := make([]string, 0, len(r.Reasons)+1)
	out = append(out, "opening_phase_limited_intraday_history")
	for _, reason := range r.Reasons {
		switch {
		case reason == "intraday_frames_insufficient":
			// dropped, replaced by the opening-phase reason above
		case strings.HasPrefix(reason, "feature_missing:intraday."):
			out = append(out, "feature_pending:"+strings.TrimPrefix(reason, "feature_missing:"))
		default:
			out = append(out, reason)
		}
	}
	r.Reasons = out
	r.OpeningPhaseActive = true
	r.Level = LevelWARN
}

// Summary renders a compact single-line form for logs.
func (r *Readiness) Summary() string {
	if len(r.Reasons) == 0 {
		return r.Level
	}
	return fmt.Sprintf("%s(%s)", r.Level, strings.Join(r.Reasons, ","))
}

func levelRank(level string) int {
	switch level {
	case LevelOK:
		return 0
	case LevelWARN:
		return 1
	case LevelERROR:
		return 2
	default:
		return 0
	}
}
