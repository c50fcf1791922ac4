// Package market implements the market data pipeline: the frame archive
// loader, the deterministic replay engine, the polling live-file provider
// and the unified market data service on top of them.
package market

import (
	"fmt"
	"sort"
	"time"
)

// Schema versions for persisted market payloads.
const (
	FrameSchemaVersion = "market.bar.v1"
	BatchSchemaVersion = "market.frames.v1"
)

// Session phases for the CN-A market.
const (
	PhasePreOpen      = "pre_open"
	PhaseContinuousAM = "continuous_am"
	PhaseLunchBreak   = "lunch_break"
	PhaseContinuousPM = "continuous_pm"
	PhaseCloseAuction = "close_auction"
	PhaseClosed       = "closed"
)

// Instrument identifies the traded security.
type Instrument struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Timezone string `json:"timezone"`
	Currency string `json:"currency"`
}

// Window is the time window a bar covers.
type Window struct {
	StartTSMS  int64  `json:"start_ts_ms"`
	EndTSMS    int64  `json:"end_ts_ms"`
	TradingDay string `json:"trading_day"` // YYYY-MM-DD
}

// Frame is one OHLCV bar (market.bar.v1).
type Frame struct {
	SchemaVersion string     `json:"schema_version"`
	Instrument    Instrument `json:"instrument"`
	Interval      string     `json:"interval"`
	Window        Window     `json:"window"`
	SessionPhase  string     `json:"session_phase"`
	Open          float64    `json:"open"`
	High          float64    `json:"high"`
	Low           float64    `json:"low"`
	Close         float64    `json:"close"`
	VolumeShares  float64    `json:"volume_shares"`
	TurnoverCNY   float64    `json:"turnover_cny"`
	VWAP          float64    `json:"vwap"`
	Mode          string     `json:"mode"` // "real" | "mock"
	Provider      string     `json:"provider"`
}

// Symbol is a convenience accessor.
func (f *Frame) Symbol() string { return f.Instrument.Symbol }

// Batch is a market.frames.v1 payload.
type Batch struct {
	SchemaVersion string  `json:"schema_version"`
	Market        string  `json:"market"`
	Mode          string  `json:"mode"`
	Provider      string  `json:"provider"`
	Frames        []Frame `json:"frames"`
}

// Validate checks the batch envelope.
func (b *Batch) Validate() error {
	if b.SchemaVersion != BatchSchemaVersion {
		return fmt.Errorf("unexpected schema_version %q, want %q", b.SchemaVersion, BatchSchemaVersion)
	}
	if b.Frames == nil {
		return fmt.Errorf("batch has no frames array")
	}
	return nil
}

// SortFrames sorts frames by start_ts_ms ascending, breaking ties by
// symbol so ordering is deterministic.
func SortFrames(frames []Frame) {
	sort.SliceStable(frames, func(i, j int) bool {
		if frames[i].Window.StartTSMS != frames[j].Window.StartTSMS {
			return frames[i].Window.StartTSMS < frames[j].Window.StartTSMS
		}
		return frames[i].Instrument.Symbol < frames[j].Instrument.Symbol
	})
}

// DedupFrames removes frames sharing (symbol, start_ts_ms), keeping the
// last occurrence. Input must already be sorted by SortFrames.
func DedupFrames(frames []Frame) []Frame {
	out := frames[:0]
	for _, f := range frames {
		if n := len(out); n > 0 &&
			out[n-1].Instrument.Symbol == f.Instrument.Symbol &&
			out[n-1].Window.StartTSMS == f.Window.StartTSMS {
			out[n-1] = f
			continue
		}
		out = append(out, f)
	}
	return out
}

// shanghai is the CN-A market timezone. The runtime cannot trade without
// it, so a fixed +8 zone stands in if the tzdata lookup fails.
var shanghai = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}()

// ShanghaiLocation returns the CN-A market timezone.
func ShanghaiLocation() *time.Location { return shanghai }

// TradingDayOf formats t as a YYYY-MM-DD calendar date in Asia/Shanghai.
func TradingDayOf(t time.Time) string {
	return t.In(shanghai).Format("2006-01-02")
}

// SessionPhaseAt classifies t into a CN-A session phase by its
// minute-of-day in Asia/Shanghai.
func SessionPhaseAt(t time.Time) string {
	local := t.In(shanghai)
	mod := local.Hour()*60 + local.Minute()

	switch {
	case mod >= 555 && mod <= 569:
		return PhasePreOpen
	case mod >= 570 && mod <= 689:
		return PhaseContinuousAM
	case mod >= 690 && mod <= 779:
		return PhaseLunchBreak
	case mod >= 780 && mod <= 899:
		return PhaseContinuousPM
	case mod >= 900 && mod <= 914:
		return PhaseCloseAuction
	default:
		return PhaseClosed
	}
}

// InSession reports whether t falls inside the trading session, lunch
// break included. The session guard pauses the runtime only when the
// market is fully closed.
func InSession(t time.Time) bool {
	return SessionPhaseAt(t) != PhaseClosed
}
