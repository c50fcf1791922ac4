package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReturnOver(t *testing.T) {
	closes := []float64{100, 101, 102, 103, 104, 105}

	r := returnOver(closes, 5)
	require.NotNil(t, r)
	assert.InDelta(t, 0.05, *r, 1e-12)

	assert.Nil(t, returnOver(closes, 6), "needs k+1 points")
	assert.Nil(t, returnOver([]float64{0, 100}, 1), "zero base price")
}

func TestSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}

	v := sma(values, 5)
	require.NotNil(t, v)
	assert.InDelta(t, 3.0, *v, 1e-9)

	assert.Nil(t, sma(values, 6))
}

func TestWilderRSI(t *testing.T) {
	// Strictly rising closes: avg_loss is zero, RSI pins at 100.
	rising := make([]float64, 20)
	for i := range rising {
		rising[i] = 100 + float64(i)
	}
	r := wilderRSI(rising, 14)
	require.NotNil(t, r)
	assert.Equal(t, 100.0, *r)

	// Strictly falling closes: no gains, RSI 0.
	falling := make([]float64, 20)
	for i := range falling {
		falling[i] = 200 - float64(i)
	}
	r = wilderRSI(falling, 14)
	require.NotNil(t, r)
	assert.InDelta(t, 0.0, *r, 1e-9)

	// Alternating equal gains and losses settle at 50.
	alternating := make([]float64, 15)
	for i := range alternating {
		if i%2 == 0 {
			alternating[i] = 100
		} else {
			alternating[i] = 101
		}
	}
	r = wilderRSI(alternating, 14)
	require.NotNil(t, r)
	assert.InDelta(t, 50.0, *r, 1e-9)

	assert.Nil(t, wilderRSI(rising[:14], 14), "needs period+1 closes")
}

func TestVolRatio(t *testing.T) {
	// 20 bars averaging 1000, then a 3000 spike.
	volumes := make([]float64, 21)
	for i := 0; i < 20; i++ {
		volumes[i] = 1000
	}
	volumes[20] = 3000

	v := volRatio(volumes, 20)
	require.NotNil(t, v)
	assert.InDelta(t, 3.0, *v, 1e-9)

	assert.Nil(t, volRatio(volumes[:20], 20))
	assert.Nil(t, volRatio(make([]float64, 21), 20), "zero mean volume")
}

func TestRankScoreOrdering(t *testing.T) {
	strong := &Candidate{
		Ret5:       ptr(0.01),
		Ret20:      ptr(0.02),
		VolRatio20: ptr(1.5),
		RSI14:      ptr(55),
	}
	weak := &Candidate{
		Ret5:       ptr(-0.01),
		Ret20:      ptr(-0.02),
		VolRatio20: ptr(0.8),
		RSI14:      ptr(30),
	}
	thin := &Candidate{}

	assert.Less(t, rankScore(strong), rankScore(weak), "momentum dominates")
	assert.Less(t, rankScore(strong), rankScore(thin), "missing features rank behind")
	assert.Equal(t, rankScore(thin), rankScore(thin), "deterministic")
}

func TestPickSymbolDeterministic(t *testing.T) {
	pool := []string{"600519", "000001", "300750"}

	first := PickSymbol("trader_a", 7, pool)
	assert.Equal(t, first, PickSymbol("trader_a", 7, pool))
	assert.Contains(t, pool, first)

	// Consecutive cycles walk the pool.
	seen := make(map[string]bool)
	for cycle := int64(0); cycle < int64(len(pool)); cycle++ {
		seen[PickSymbol("trader_a", cycle, pool)] = true
	}
	assert.Len(t, seen, len(pool))

	assert.Empty(t, PickSymbol("trader_a", 0, nil))
}
