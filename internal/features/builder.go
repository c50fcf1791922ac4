package features

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/rs/zerolog"

	"github.com/onlytrade/onlytrade/internal/config"
	"github.com/onlytrade/onlytrade/internal/market"
)

// Window sizes used for the primary symbol.
const (
	intradayWindow = 180
	dailyWindow    = 90

	// Lighter windows for the non-selected candidates.
	candidateIntradayWindow = 22
	candidateDailyWindow    = 16
)

// narrativeHorizons are the lookbacks (in daily bars) for the
// price/volume narrative lines.
var narrativeHorizons = []int{126, 21, 5, 1}

// Builder assembles decision contexts from the market data service.
type Builder struct {
	market     *market.Service
	dataMode   string
	strictLive bool

	// liveStatus exposes the live-file poller status for strict-mode
	// staleness checks. Nil in replay mode.
	liveStatus func() market.LiveFileStatus

	log zerolog.Logger
}

// NewBuilder creates a context builder.
func NewBuilder(svc *market.Service, dataMode string, strictLive bool, liveStatus func() market.LiveFileStatus, log zerolog.Logger) *Builder {
	return &Builder{
		market:     svc,
		dataMode:   dataMode,
		strictLive: strictLive,
		liveStatus: liveStatus,
		log:        log.With().Str("component", "context_builder").Logger(),
	}
}

// PickSymbol selects a pool symbol for the cycle using
// |hash(traderID)+cycle| mod len(pool).
func PickSymbol(traderID string, cycle int64, pool []string) string {
	if len(pool) == 0 {
		return ""
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(traderID))
	idx := int64(h.Sum32()) + cycle
	if idx < 0 {
		idx = -idx
	}
	return pool[idx%int64(len(pool))]
}

// Build assembles the context for one (trader, cycle) evaluation.
// positions maps symbol to currently held shares and feeds the candidate
// set's position_shares.
func (b *Builder) Build(ctx context.Context, traderID string, cycle int64, pool []string, positions map[string]float64) (*Context, error) {
	if b.strictLive && b.liveStatus != nil {
		st := b.liveStatus()
		if !st.HasLastGood {
			return nil, fmt.Errorf("%w: %s", ErrLiveFileError, st.LastError)
		}
		if st.Stale {
			return nil, ErrLiveFileStale
		}
	}

	effective := b.effectivePool(pool)
	if len(effective) == 0 {
		return nil, ErrNoLiveSymbolPool
	}

	symbol := PickSymbol(traderID, cycle, effective)

	intraday, err := b.market.GetFrames(ctx, symbol, "1m", intradayWindow)
	if err != nil {
		return nil, fmt.Errorf("intraday frames for %s: %w", symbol, err)
	}
	daily, err := b.market.GetFrames(ctx, symbol, "1d", dailyWindow)
	if err != nil {
		return nil, fmt.Errorf("daily frames for %s: %w", symbol, err)
	}

	fs := computeFeatures(intraday.Frames, daily.Frames)

	out := &Context{
		TraderID:      traderID,
		Cycle:         cycle,
		Symbol:        symbol,
		IntradayCount: len(intraday.Frames),
		DailyCount:    len(daily.Frames),
		Features:      fs,
		Narratives:    buildNarratives(daily.Frames),
	}
	if n := len(intraday.Frames); n > 0 {
		out.LatestPrice = intraday.Frames[n-1].Close
	} else if n := len(daily.Frames); n > 0 {
		out.LatestPrice = daily.Frames[n-1].Close
	}

	out.Candidates = b.buildCandidates(ctx, symbol, out, effective, positions)

	b.log.Debug().
		Str("trader_id", traderID).
		Int64("cycle", cycle).
		Str("symbol", symbol).
		Int("intraday", out.IntradayCount).
		Int("daily", out.DailyCount).
		Int("candidates", len(out.Candidates)).
		Msg("Decision context built")

	return out, nil
}

// effectivePool intersects the trader pool with the live symbol universe
// in live_file mode; replay and mock modes trust the manifest pool.
func (b *Builder) effectivePool(pool []string) []string {
	if b.dataMode != config.ModeLiveFile {
		return pool
	}
	available := make(map[string]bool)
	for _, sym := range b.market.Symbols() {
		available[sym] = true
	}
	var out []string
	for _, sym := range pool {
		if available[sym] {
			out = append(out, sym)
		}
	}
	return out
}

func computeFeatures(intraday, daily []market.Frame) FeatureSet {
	ic := closes(intraday)
	iv := volumes(intraday)
	dc := closes(daily)

	fs := FeatureSet{
		Intraday: IntradayFeatures{
			Ret5:       returnOver(ic, 5),
			Ret20:      returnOver(ic, 20),
			ATR14:      atr(intraday, 14),
			VolRatio20: volRatio(iv, 20),
		},
		Daily: DailyFeatures{
			SMA20:       sma(dc, 20),
			SMA60:       sma(dc, 60),
			RSI14:       wilderRSI(dc, 14),
			Range20DPct: rangePct(daily, 20),
		},
	}
	if n := len(intraday); n > 0 {
		fs.AsOfTSMS = intraday[n-1].Window.EndTSMS
	}
	return fs
}

// buildNarratives renders the price/volume windows for the standard
// horizons; a horizon is skipped when the daily history cannot cover
// the symmetric adjacent windows.
func buildNarratives(daily []market.Frame) []string {
	dc := closes(daily)
	dv := volumes(daily)

	var out []string
	for _, h := range narrativeHorizons {
		if len(dc) < 2*h+1 {
			continue
		}
		priceDelta := dc[len(dc)-1]/dc[len(dc)-1-h] - 1

		cur := mean(dv[len(dv)-h:])
		prior := mean(dv[len(dv)-2*h : len(dv)-h])
		volDelta := 0.0
		if prior != 0 {
			volDelta = cur/prior - 1
		}
		out = append(out, fmt.Sprintf("past %dd: price %+.2f%%, volume %+.2f%% vs prior window",
			h, priceDelta*100, volDelta*100))
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// buildCandidates assembles the candidate set: the selected symbol first,
// then the remaining pool sorted by rank score (lower is better) with a
// symbol tie-break.
func (b *Builder) buildCandidates(ctx context.Context, selected string, selCtx *Context, pool []string, positions map[string]float64) []Candidate {
	first := Candidate{
		Symbol:         selected,
		LatestPrice:    selCtx.LatestPrice,
		Ret5:           selCtx.Features.Intraday.Ret5,
		Ret20:          selCtx.Features.Intraday.Ret20,
		VolRatio20:     selCtx.Features.Intraday.VolRatio20,
		RSI14:          selCtx.Features.Daily.RSI14,
		PositionShares: positions[selected],
	}
	first.RankScore = rankScore(&first)

	var rest []Candidate
	for _, sym := range pool {
		if sym == selected {
			continue
		}
		c := b.candidateFor(ctx, sym, positions[sym])
		rest = append(rest, c)
	}
	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].RankScore != rest[j].RankScore {
			return rest[i].RankScore < rest[j].RankScore
		}
		return rest[i].Symbol < rest[j].Symbol
	})

	return append([]Candidate{first}, rest...)
}

func (b *Builder) candidateFor(ctx context.Context, symbol string, held float64) Candidate {
	c := Candidate{Symbol: symbol, PositionShares: held}

	intraday, err := b.market.GetFrames(ctx, symbol, "1m", candidateIntradayWindow)
	if err == nil && len(intraday.Frames) > 0 {
		ic := closes(intraday.Frames)
		iv := volumes(intraday.Frames)
		c.LatestPrice = ic[len(ic)-1]
		c.Ret5 = returnOver(ic, 5)
		c.Ret20 = returnOver(ic, 20)
		c.VolRatio20 = volRatio(iv, 20)
	}

	daily, err := b.market.GetFrames(ctx, symbol, "1d", candidateDailyWindow)
	if err == nil && len(daily.Frames) > 0 {
		c.RSI14 = wilderRSI(closes(daily.Frames), 14)
		if c.LatestPrice == 0 {
			c.LatestPrice = daily.Frames[len(daily.Frames)-1].Close
		}
	}

	c.RankScore = rankScore(&c)
	return c
}

// rankScore is a deterministic total order over the candidate feature
// tuple; lower is better. Momentum dominates (weighted short and medium
// returns), volume expansion improves the score, and distance from a
// neutral RSI worsens it slightly. Missing features contribute zero so
// thin candidates rank behind lively ones.
func rankScore(c *Candidate) float64 {
	score := 0.0
	if c.Ret5 != nil {
		score -= 0.6 * *c.Ret5 * 100
	}
	if c.Ret20 != nil {
		score -= 0.4 * *c.Ret20 * 100
	}
	if c.VolRatio20 != nil && *c.VolRatio20 > 1 {
		score -= 0.1 * (*c.VolRatio20 - 1)
	}
	if c.RSI14 != nil {
		score += abs(*c.RSI14-50) / 100
	}
	return score
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
