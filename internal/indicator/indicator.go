// Package indicator computes technical indicator series from candles. Every
// function returns a series aligned with its input; bars without enough
// history hold NaN.
package indicator

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

// Compute evaluates ref over candles (oldest first).
func Compute(ref domain.IndicatorReference, candles []domain.Candle) ([]float64, error) {
	closes := Closes(candles)
	p := func(name string, def float64) int { return int(ref.Param(name, def)) }

	switch ref.Kind {
	case domain.IndicatorPrice:
		return priceField(candles, ref.Output)
	case domain.IndicatorVolume:
		vol := make([]float64, len(candles))
		for i, c := range candles {
			vol[i] = c.Volume
		}
		if ref.Output == "sma" {
			return SMA(vol, p("period", 20)), nil
		}
		return vol, nil
	case domain.IndicatorSMA:
		return SMA(closes, p("period", 20)), nil
	case domain.IndicatorEMA:
		return EMA(closes, p("period", 20)), nil
	case domain.IndicatorRSI:
		return RSI(closes, p("period", 14)), nil
	case domain.IndicatorMACD:
		line, signal, hist := MACD(closes, p("fast", 12), p("slow", 26), p("signal", 9))
		return pick(ref, map[string][]float64{"": line, "macd": line, "signal": signal, "histogram": hist})
	case domain.IndicatorBollinger:
		upper, mid, lower := Bollinger(closes, p("period", 20), ref.Param("stddev", 2))
		return pick(ref, map[string][]float64{"": mid, "middle": mid, "upper": upper, "lower": lower})
	case domain.IndicatorATR:
		return ATR(candles, p("period", 14)), nil
	case domain.IndicatorVWAP:
		return VWAP(candles), nil
	case domain.IndicatorStochastic:
		k, d := Stochastic(candles, p("k", 14), p("d", 3))
		return pick(ref, map[string][]float64{"": k, "k": k, "d": d})
	case domain.IndicatorIchimoku:
		ich := Ichimoku(candles, p("tenkan", 9), p("kijun", 26), p("senkou", 52))
		return pick(ref, map[string][]float64{
			"": ich.Tenkan, "tenkan": ich.Tenkan, "kijun": ich.Kijun,
			"senkou_a": ich.SenkouA, "senkou_b": ich.SenkouB,
		})
	case domain.IndicatorSuperTrend:
		line, dir := SuperTrend(candles, p("period", 10), ref.Param("multiplier", 3))
		return pick(ref, map[string][]float64{"": line, "value": line, "direction": dir})
	}
	return nil, fmt.Errorf("indicator: unsupported kind %q", ref.Kind)
}

func pick(ref domain.IndicatorReference, outs map[string][]float64) ([]float64, error) {
	s, ok := outs[ref.Output]
	if !ok {
		return nil, fmt.Errorf("indicator: %s has no output %q", ref.Kind, ref.Output)
	}
	return s, nil
}

func priceField(candles []domain.Candle, field string) ([]float64, error) {
	out := make([]float64, len(candles))
	for i, c := range candles {
		switch field {
		case "", "close":
			out[i] = c.Close
		case "open":
			out[i] = c.Open
		case "high":
			out[i] = c.High
		case "low":
			out[i] = c.Low
		default:
			return nil, fmt.Errorf("indicator: price has no output %q", field)
		}
	}
	return out, nil
}

// Closes extracts close prices.
func Closes(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// SMA is the simple moving average.
func SMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA is the exponential moving average seeded with the SMA of the first
// period values. Leading NaNs in the input are skipped.
func EMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 {
		return out
	}
	start := 0
	for start < len(values) && math.IsNaN(values[start]) {
		start++
	}
	if len(values)-start < period {
		return out
	}
	k := 2.0 / float64(period+1)
	var seed float64
	for i := start; i < start+period; i++ {
		seed += values[i]
	}
	prev := seed / float64(period)
	out[start+period-1] = prev
	for i := start + period; i < len(values); i++ {
		prev = values[i]*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

// RSI uses Wilder smoothing.
func RSI(closes []float64, period int) []float64 {
	out := nanSeries(len(closes))
	if period <= 0 || len(closes) <= period {
		return out
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(period)
	loss /= float64(period)
	out[period] = rsiValue(gain, loss)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		gain = (gain*float64(period-1) + g) / float64(period)
		loss = (loss*float64(period-1) + l) / float64(period)
		out[i] = rsiValue(gain, loss)
	}
	return out
}

func rsiValue(gain, loss float64) float64 {
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	return 100 - 100/(1+gain/loss)
}

// MACD returns the MACD line, its signal line and the histogram.
func MACD(closes []float64, fast, slow, signal int) (line, sig, hist []float64) {
	f, s := EMA(closes, fast), EMA(closes, slow)
	line = nanSeries(len(closes))
	for i := range closes {
		line[i] = f[i] - s[i]
	}
	sig = EMA(line, signal)
	hist = nanSeries(len(closes))
	for i := range closes {
		hist[i] = line[i] - sig[i]
	}
	return line, sig, hist
}

// Bollinger returns upper, middle and lower bands.
func Bollinger(closes []float64, period int, k float64) (upper, mid, lower []float64) {
	mid = SMA(closes, period)
	upper, lower = nanSeries(len(closes)), nanSeries(len(closes))
	for i := period - 1; i < len(closes) && period > 0; i++ {
		var v float64
		for j := i - period + 1; j <= i; j++ {
			d := closes[j] - mid[i]
			v += d * d
		}
		sd := math.Sqrt(v / float64(period))
		upper[i] = mid[i] + k*sd
		lower[i] = mid[i] - k*sd
	}
	return upper, mid, lower
}

func trueRange(candles []domain.Candle, i int) float64 {
	c := candles[i]
	if i == 0 {
		return c.High - c.Low
	}
	pc := candles[i-1].Close
	return math.Max(c.High-c.Low, math.Max(math.Abs(c.High-pc), math.Abs(c.Low-pc)))
}

// ATR is the Wilder average true range.
func ATR(candles []domain.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	if period <= 0 || len(candles) < period {
		return out
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += trueRange(candles, i)
	}
	prev := sum / float64(period)
	out[period-1] = prev
	for i := period; i < len(candles); i++ {
		prev = (prev*float64(period-1) + trueRange(candles, i)) / float64(period)
		out[i] = prev
	}
	return out
}

// VWAP is cumulative over the supplied window.
func VWAP(candles []domain.Candle) []float64 {
	out := nanSeries(len(candles))
	var pv, vol float64
	for i, c := range candles {
		tp := (c.High + c.Low + c.Close) / 3
		pv += tp * c.Volume
		vol += c.Volume
		if vol > 0 {
			out[i] = pv / vol
		}
	}
	return out
}

func highLow(candles []domain.Candle, from, to int) (hi, lo float64) {
	hi, lo = math.Inf(-1), math.Inf(1)
	for j := from; j <= to; j++ {
		hi = math.Max(hi, candles[j].High)
		lo = math.Min(lo, candles[j].Low)
	}
	return hi, lo
}

// Stochastic returns %K and its SMA %D.
func Stochastic(candles []domain.Candle, kPeriod, dPeriod int) (k, d []float64) {
	k = nanSeries(len(candles))
	for i := kPeriod - 1; i < len(candles) && kPeriod > 0; i++ {
		hi, lo := highLow(candles, i-kPeriod+1, i)
		if hi == lo {
			k[i] = 50
			continue
		}
		k[i] = (candles[i].Close - lo) / (hi - lo) * 100
	}
	d = nanSeries(len(candles))
	if dPeriod <= 0 {
		return k, d
	}
	for i := kPeriod + dPeriod - 2; i < len(candles); i++ {
		var sum float64
		for j := i - dPeriod + 1; j <= i; j++ {
			sum += k[j]
		}
		d[i] = sum / float64(dPeriod)
	}
	return k, d
}

// IchimokuLines holds the cloud components as displayed at each bar: the
// senkou spans at bar i were computed kijun bars earlier.
type IchimokuLines struct {
	Tenkan, Kijun, SenkouA, SenkouB []float64
}

// Ichimoku computes the Ichimoku cloud.
func Ichimoku(candles []domain.Candle, tenkan, kijun, senkou int) IchimokuLines {
	mid := func(period int) []float64 {
		out := nanSeries(len(candles))
		for i := period - 1; i < len(candles) && period > 0; i++ {
			hi, lo := highLow(candles, i-period+1, i)
			out[i] = (hi + lo) / 2
		}
		return out
	}
	lines := IchimokuLines{Tenkan: mid(tenkan), Kijun: mid(kijun)}
	spanB := mid(senkou)
	lines.SenkouA, lines.SenkouB = nanSeries(len(candles)), nanSeries(len(candles))
	for i := kijun; i < len(candles); i++ {
		j := i - kijun
		lines.SenkouA[i] = (lines.Tenkan[j] + lines.Kijun[j]) / 2
		lines.SenkouB[i] = spanB[j]
	}
	return lines
}

// SuperTrend returns the trailing line and the trend direction (+1 up, -1 down).
func SuperTrend(candles []domain.Candle, period int, mult float64) (line, dir []float64) {
	atr := ATR(candles, period)
	line, dir = nanSeries(len(candles)), nanSeries(len(candles))
	var upper, lower float64
	trend := 1.0
	started := false
	for i, c := range candles {
		if math.IsNaN(atr[i]) {
			continue
		}
		hl2 := (c.High + c.Low) / 2
		bu, bl := hl2+mult*atr[i], hl2-mult*atr[i]
		if !started {
			upper, lower, started = bu, bl, true
		} else {
			pc := candles[i-1].Close
			if bu < upper || pc > upper {
				upper = bu
			}
			if bl > lower || pc < lower {
				lower = bl
			}
			switch {
			case trend < 0 && c.Close > upper:
				trend = 1
			case trend > 0 && c.Close < lower:
				trend = -1
			}
		}
		dir[i] = trend
		if trend > 0 {
			line[i] = lower
		} else {
			line[i] = upper
		}
	}
	return line, dir
}

// Warmup estimates how many bars ref needs before its first valid value.
func Warmup(ref domain.IndicatorReference) int {
	p := func(name string, def float64) int { return int(ref.Param(name, def)) }
	switch ref.Kind {
	case domain.IndicatorMACD:
		return p("slow", 26) + p("signal", 9)
	case domain.IndicatorIchimoku:
		return p("senkou", 52) + p("kijun", 26)
	case domain.IndicatorStochastic:
		return p("k", 14) + p("d", 3)
	case domain.IndicatorRSI, domain.IndicatorATR:
		// Wilder smoothing converges slowly; fetch extra history.
		return p("period", 14) * 3
	case domain.IndicatorEMA:
		return p("period", 20) * 2
	case domain.IndicatorSuperTrend:
		return p("period", 10) * 2
	case domain.IndicatorSMA, domain.IndicatorBollinger:
		return p("period", 20)
	case domain.IndicatorVolume:
		if ref.Output == "sma" {
			return p("period", 20)
		}
	}
	return 1
}
