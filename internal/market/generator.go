package market

import (
	"hash/fnv"
	"math"
	"math/rand"
	"time"
)

// intervalDuration maps a bar interval to its window length.
func intervalDuration(interval string) time.Duration {
	switch interval {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "60m", "1h":
		return time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// symbolSeed hashes a symbol into a stable generator seed so synthetic
// series are deterministic per symbol.
func symbolSeed(symbol string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	return int64(h.Sum64() & math.MaxInt64)
}

// GenerateFrames produces a deterministic synthetic bar series for symbol,
// ending at the interval boundary before now. Used only outside strict
// live mode, when neither the provider nor the archives can serve.
func GenerateFrames(symbol, interval string, limit int, now time.Time) []Frame {
	if limit <= 0 {
		return nil
	}

	rng := rand.New(rand.NewSource(symbolSeed(symbol)))
	step := intervalDuration(interval)

	base := 5.0 + rng.Float64()*95.0 // per-symbol base price in [5,100)
	price := base

	end := now.In(shanghai).Truncate(step)
	start := end.Add(-time.Duration(limit) * step)

	frames := make([]Frame, 0, limit)
	for i := 0; i < limit; i++ {
		winStart := start.Add(time.Duration(i) * step)
		winEnd := winStart.Add(step)

		drift := (rng.Float64() - 0.5) * 0.01
		open := price
		close := open * (1 + drift)
		high := math.Max(open, close) * (1 + rng.Float64()*0.002)
		low := math.Min(open, close) * (1 - rng.Float64()*0.002)
		volume := 10000 + rng.Float64()*90000
		price = close

		frames = append(frames, Frame{
			SchemaVersion: FrameSchemaVersion,
			Instrument: Instrument{
				Symbol:   symbol,
				Exchange: "mock",
				Timezone: "Asia/Shanghai",
				Currency: "CNY",
			},
			Interval: interval,
			Window: Window{
				StartTSMS:  winStart.UnixMilli(),
				EndTSMS:    winEnd.UnixMilli(),
				TradingDay: TradingDayOf(winStart),
			},
			SessionPhase: SessionPhaseAt(winStart),
			Open:         round4(open),
			High:         round4(high),
			Low:          round4(low),
			Close:        round4(close),
			VolumeShares: math.Floor(volume),
			TurnoverCNY:  round4(close * volume),
			VWAP:         round4((open + close + high + low) / 4),
			Mode:         "mock",
			Provider:     "generator",
		})
	}
	return frames
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
