package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

func candlesFromCloses(closes ...float64) []domain.Candle {
	out := make([]domain.Candle, len(closes))
	for i, c := range closes {
		out[i] = domain.Candle{Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 10}
	}
	return out
}

func TestSMA(t *testing.T) {
	got := SMA([]float64{1, 2, 3, 4, 5}, 3)
	assert.True(t, math.IsNaN(got[0]))
	assert.True(t, math.IsNaN(got[1]))
	assert.InDelta(t, 2.0, got[2], 1e-9)
	assert.InDelta(t, 3.0, got[3], 1e-9)
	assert.InDelta(t, 4.0, got[4], 1e-9)
}

func TestEMASeededWithSMA(t *testing.T) {
	got := EMA([]float64{2, 4, 6, 8}, 3)
	assert.InDelta(t, 4.0, got[2], 1e-9)
	// k = 0.5: 8*0.5 + 4*0.5
	assert.InDelta(t, 6.0, got[3], 1e-9)
}

func TestRSIBounds(t *testing.T) {
	up := make([]float64, 30)
	for i := range up {
		up[i] = float64(i + 1)
	}
	rsi := RSI(up, 14)
	assert.InDelta(t, 100.0, rsi[len(rsi)-1], 1e-9)

	flat := make([]float64, 30)
	for i := range flat {
		flat[i] = 5
	}
	assert.InDelta(t, 50.0, RSI(flat, 14)[29], 1e-9)
}

func TestBollingerOnConstantSeries(t *testing.T) {
	closes := []float64{3, 3, 3, 3, 3}
	upper, mid, lower := Bollinger(closes, 5, 2)
	assert.InDelta(t, 3.0, upper[4], 1e-9)
	assert.InDelta(t, 3.0, mid[4], 1e-9)
	assert.InDelta(t, 3.0, lower[4], 1e-9)
}

func TestVWAP(t *testing.T) {
	got := VWAP([]domain.Candle{
		{High: 11, Low: 9, Close: 10, Volume: 1},
		{High: 21, Low: 19, Close: 20, Volume: 3},
	})
	assert.InDelta(t, 10.0, got[0], 1e-9)
	assert.InDelta(t, 17.5, got[1], 1e-9)
}

func TestComputeDispatch(t *testing.T) {
	candles := candlesFromCloses(1, 2, 3, 4, 5, 6)

	tests := []struct {
		name string
		ref  domain.IndicatorReference
		want float64
	}{
		{"close", domain.NewIndicatorReference(domain.IndicatorPrice, nil, "1h", "", 0), 6},
		{"high", domain.NewIndicatorReference(domain.IndicatorPrice, nil, "1h", "high", 0), 7},
		{"sma", domain.NewIndicatorReference(domain.IndicatorSMA, map[string]float64{"period": 2}, "1h", "", 0), 5.5},
		{"volume", domain.NewIndicatorReference(domain.IndicatorVolume, nil, "1h", "", 0), 10},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			series, err := Compute(tc.ref, candles)
			require.NoError(t, err)
			require.Len(t, series, len(candles))
			assert.InDelta(t, tc.want, series[len(series)-1], 1e-9)
		})
	}
}

func TestComputeRejectsUnknownOutput(t *testing.T) {
	ref := domain.NewIndicatorReference(domain.IndicatorMACD, nil, "1h", "nope", 0)
	_, err := Compute(ref, candlesFromCloses(1, 2, 3))
	require.Error(t, err)
}

func TestSuperTrendDirection(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + float64(i)*2
	}
	_, dir := SuperTrend(candlesFromCloses(closes...), 10, 3)
	assert.Equal(t, 1.0, dir[len(dir)-1])
}
