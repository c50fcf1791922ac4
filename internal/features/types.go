// Package features computes technical features over market frames,
// assembles the per-cycle decision context for a trader, and evaluates
// data readiness.
package features

import "errors"

// Context-builder errors surfaced in strict live mode. They abort the
// trader's cycle and are counted as failures by the scheduler.
var (
	ErrLiveFileStale    = errors.New("live_file_stale")
	ErrLiveFileError    = errors.New("live_file_error")
	ErrNoLiveSymbolPool = errors.New("no_live_symbol_pool")
)

// IntradayFeatures are computed over the 1m frame window. Nil means the
// feature could not be computed from the available history.
type IntradayFeatures struct {
	Ret5       *float64 `json:"ret_5"`
	Ret20      *float64 `json:"ret_20"`
	ATR14      *float64 `json:"atr_14"`
	VolRatio20 *float64 `json:"vol_ratio_20"`
}

// DailyFeatures are computed over the 1d frame window.
type DailyFeatures struct {
	SMA20       *float64 `json:"sma_20"`
	SMA60       *float64 `json:"sma_60"`
	RSI14       *float64 `json:"rsi_14"`
	Range20DPct *float64 `json:"range_20d_pct"`
}

// FeatureSet bundles both horizons plus the as-of timestamp of the most
// recent intraday frame.
type FeatureSet struct {
	AsOfTSMS int64            `json:"as_of_ts_ms"`
	Intraday IntradayFeatures `json:"intraday"`
	Daily    DailyFeatures    `json:"daily"`
}

// Candidate is one pool symbol with its ranking features. The first
// candidate of a context is always the selected symbol.
type Candidate struct {
	Symbol         string   `json:"symbol"`
	LatestPrice    float64  `json:"latest_price"`
	Ret5           *float64 `json:"ret_5"`
	Ret20          *float64 `json:"ret_20"`
	VolRatio20     *float64 `json:"vol_ratio_20"`
	RSI14          *float64 `json:"rsi_14"`
	RankScore      float64  `json:"rank_score"`
	PositionShares float64  `json:"position_shares"`
}

// Context is the full decision context for one (trader, cycle)
// evaluation.
type Context struct {
	TraderID      string      `json:"trader_id"`
	Cycle         int64       `json:"cycle"`
	Symbol        string      `json:"symbol"`
	LatestPrice   float64     `json:"latest_price"`
	IntradayCount int         `json:"intraday_count"`
	DailyCount    int         `json:"daily_count"`
	Features      FeatureSet  `json:"features"`
	Narratives    []string    `json:"narratives"`
	Candidates    []Candidate `json:"candidates"`

	// OpeningPhaseMode is set by the scheduler when readiness softened
	// an early-session context; the decision engine caps size and
	// confidence while it is set.
	OpeningPhaseMode bool `json:"opening_phase_mode,omitempty"`
}

// CandidateSymbols lists the symbols the LLM may choose among.
func (c *Context) CandidateSymbols() []string {
	out := make([]string, 0, len(c.Candidates))
	for _, cand := range c.Candidates {
		out = append(out, cand.Symbol)
	}
	return out
}
