package features

import (
	"math"

	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"

	"github.com/onlytrade/onlytrade/internal/market"
)

func closes(frames []market.Frame) []float64 {
	out := make([]float64, len(frames))
	for i, f := range frames {
		out[i] = f.Close
	}
	return out
}

func volumes(frames []market.Frame) []float64 {
	out := make([]float64, len(frames))
	for i, f := range frames {
		out[i] = f.VolumeShares
	}
	return out
}

func sliceToChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func lastOf(ch <-chan float64) (float64, bool) {
	var last float64
	ok := false
	for v := range ch {
		last = v
		ok = true
	}
	return last, ok
}

func ptr(v float64) *float64 { return &v }

// returnOver computes close[-1]/close[-1-k] - 1, nil when the series is
// too short.
func returnOver(closes []float64, k int) *float64 {
	if len(closes) < k+1 {
		return nil
	}
	prev := closes[len(closes)-1-k]
	if prev == 0 {
		return nil
	}
	return ptr(closes[len(closes)-1]/prev - 1)
}

// sma computes the n-period simple moving average of the series tail via
// cinar/indicator, nil when insufficient.
func sma(values []float64, n int) *float64 {
	if len(values) < n {
		return nil
	}
	ind := trend.NewSmaWithPeriod[float64](n)
	v, ok := lastOf(ind.Compute(sliceToChan(values)))
	if !ok {
		return nil
	}
	return ptr(v)
}

// atr computes the 14-period average true range via cinar/indicator,
// nil when fewer than period+1 bars are available.
func atr(frames []market.Frame, period int) *float64 {
	if len(frames) < period+1 {
		return nil
	}
	highs := make([]float64, len(frames))
	lows := make([]float64, len(frames))
	closings := make([]float64, len(frames))
	for i, f := range frames {
		highs[i] = f.High
		lows[i] = f.Low
		closings[i] = f.Close
	}

	ind := volatility.NewAtrWithPeriod[float64](period)
	v, ok := lastOf(ind.Compute(sliceToChan(highs), sliceToChan(lows), sliceToChan(closings)))
	if !ok {
		return nil
	}
	return ptr(v)
}

// wilderRSI computes a Wilder-style RSI over the last period price
// changes. The exact gate matters downstream: avg_loss == 0 yields 100.
func wilderRSI(closes []float64, period int) *float64 {
	if len(closes) < period+1 {
		return nil
	}
	tail := closes[len(closes)-period-1:]

	var gain, loss float64
	for i := 1; i < len(tail); i++ {
		delta := tail[i] - tail[i-1]
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	if avgLoss == 0 {
		return ptr(100.0)
	}
	rs := avgGain / avgLoss
	return ptr(100 - 100/(1+rs))
}

// volRatio computes last_volume / mean(volume[-(n+1):-1]); nil when the
// window is short or the denominator is zero.
func volRatio(volumes []float64, n int) *float64 {
	if len(volumes) < n+1 {
		return nil
	}
	window := volumes[len(volumes)-n-1 : len(volumes)-1]
	var sum float64
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(n)
	if mean == 0 {
		return nil
	}
	return ptr(volumes[len(volumes)-1] / mean)
}

// rangePct computes (max(high) - min(low)) / last_close over the last n
// bars.
func rangePct(frames []market.Frame, n int) *float64 {
	if len(frames) < n {
		return nil
	}
	tail := frames[len(frames)-n:]
	hi := math.Inf(-1)
	lo := math.Inf(1)
	for _, f := range tail {
		hi = math.Max(hi, f.High)
		lo = math.Min(lo, f.Low)
	}
	lastClose := tail[len(tail)-1].Close
	if lastClose == 0 {
		return nil
	}
	return ptr((hi - lo) / lastClose)
}
