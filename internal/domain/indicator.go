package domain

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// IndicatorKind enumerates the supported indicator computations.
type IndicatorKind string

const (
	IndicatorRSI        IndicatorKind = "rsi"
	IndicatorMACD       IndicatorKind = "macd"
	IndicatorEMA        IndicatorKind = "ema"
	IndicatorSMA        IndicatorKind = "sma"
	IndicatorBollinger  IndicatorKind = "bollinger"
	IndicatorATR        IndicatorKind = "atr"
	IndicatorVWAP       IndicatorKind = "vwap"
	IndicatorStochastic IndicatorKind = "stochastic"
	IndicatorIchimoku   IndicatorKind = "ichimoku"
	IndicatorSuperTrend IndicatorKind = "supertrend"
	IndicatorVolume     IndicatorKind = "volume"
	IndicatorPrice      IndicatorKind = "price"
)

var indicatorKinds = map[IndicatorKind]bool{
	IndicatorRSI: true, IndicatorMACD: true, IndicatorEMA: true, IndicatorSMA: true,
	IndicatorBollinger: true, IndicatorATR: true, IndicatorVWAP: true,
	IndicatorStochastic: true, IndicatorIchimoku: true, IndicatorSuperTrend: true,
	IndicatorVolume: true, IndicatorPrice: true,
}

// Valid reports whether k is a known indicator kind.
func (k IndicatorKind) Valid() bool { return indicatorKinds[k] }

// IndicatorReference identifies one indicator computation. Build it with
// NewIndicatorReference; the params map is owned by the reference and must
// not be mutated afterwards.
type IndicatorReference struct {
	Kind      IndicatorKind
	Params    map[string]float64
	Timeframe string
	Output    string // selector for multi-output indicators, e.g. "signal", "upper"
	Offset    int    // bars back from the most recent closed bar
}

// NewIndicatorReference copies params so later caller mutation cannot change
// the reference's identity.
func NewIndicatorReference(kind IndicatorKind, params map[string]float64, timeframe, output string, offset int) IndicatorReference {
	var cp map[string]float64
	if len(params) > 0 {
		cp = make(map[string]float64, len(params))
		for k, v := range params {
			cp[k] = v
		}
	}
	if offset < 0 {
		offset = 0
	}
	return IndicatorReference{Kind: kind, Params: cp, Timeframe: timeframe, Output: output, Offset: offset}
}

// Param returns a named parameter or def when it is absent.
func (r IndicatorReference) Param(name string, def float64) float64 {
	if v, ok := r.Params[name]; ok {
		return v
	}
	return def
}

// Key is the canonical serialization of the reference. Two references are
// equal iff their keys are equal.
func (r IndicatorReference) Key() string {
	return r.SeriesKey() + "@" + strconv.Itoa(r.Offset)
}

// SeriesKey identifies the computed series independent of the look-back
// offset, so references that differ only by offset share one computation.
func (r IndicatorReference) SeriesKey() string {
	var b strings.Builder
	b.WriteString(string(r.Kind))
	b.WriteByte('(')
	names := make([]string, 0, len(r.Params))
	for k := range r.Params {
		names = append(names, k)
	}
	sort.Strings(names)
	for i, k := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(r.Params[k], 'g', -1, 64))
	}
	b.WriteByte(')')
	if r.Output != "" {
		b.WriteByte('.')
		b.WriteString(r.Output)
	}
	b.WriteByte('/')
	b.WriteString(r.Timeframe)
	return b.String()
}

func (r IndicatorReference) String() string { return r.Key() }

// IndicatorValues holds computed series keyed by SeriesKey, oldest first.
type IndicatorValues map[string][]float64

// Set stores a series for ref.
func (v IndicatorValues) Set(ref IndicatorReference, series []float64) {
	v[ref.SeriesKey()] = series
}

// At returns the value `back` bars before ref's own offset point. back=0 is
// the current sample, back=1 the previous one. Missing and NaN values report
// false.
func (v IndicatorValues) At(ref IndicatorReference, back int) (float64, bool) {
	series, ok := v[ref.SeriesKey()]
	if !ok {
		return 0, false
	}
	idx := len(series) - 1 - ref.Offset - back
	if idx < 0 || idx >= len(series) {
		return 0, false
	}
	val := series[idx]
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return 0, false
	}
	return val, true
}

// Current is At(ref, 0).
func (v IndicatorValues) Current(ref IndicatorReference) (float64, bool) { return v.At(ref, 0) }

// Previous is At(ref, 1).
func (v IndicatorValues) Previous(ref IndicatorReference) (float64, bool) { return v.At(ref, 1) }

// Merge copies every series of other into v.
func (v IndicatorValues) Merge(other IndicatorValues) {
	for k, s := range other {
		v[k] = s
	}
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// ParseTimeframe converts "15m", "4h", "1d", "1w" into a duration.
func ParseTimeframe(tf string) (time.Duration, bool) {
	if len(tf) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, false
	}
	unit := map[byte]time.Duration{'m': time.Minute, 'h': time.Hour, 'd': 24 * time.Hour, 'w': 7 * 24 * time.Hour}[tf[len(tf)-1]]
	if unit == 0 {
		return 0, false
	}
	return time.Duration(n) * unit, true
}
