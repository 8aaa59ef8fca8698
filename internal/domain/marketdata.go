package domain

import (
	"context"
	"strings"
	"time"
)

// CandleSource describes where the candles behind an indicator response came
// from. Live sessions require Live && Verified.
type CandleSource struct {
	Venue       string
	Live        bool
	Verified    bool
	Description string
}

// SatisfiesLive reports whether the source is a verified live venue.
func (s CandleSource) SatisfiesLive() bool { return s.Live && s.Verified }

// IndicatorRequest asks for indicator series over one timeframe.
type IndicatorRequest struct {
	Pair       string
	Timeframe  string
	References []IndicatorReference
	Lookback   int
	Mode       Mode
	OwnerID    string
}

// IndicatorResponse carries computed series and the source descriptor.
type IndicatorResponse struct {
	Values IndicatorValues
	Source CandleSource
	Price  float64 // last close on the requested timeframe
	AsOf   time.Time
}

// MarketDataProvider computes indicator values for a pair. Implementations
// must return a *DataIntegrityError when the source cannot satisfy the mode.
type MarketDataProvider interface {
	IndicatorValues(ctx context.Context, req IndicatorRequest) (IndicatorResponse, error)
}

// CandleFeed returns closed candles for a pair and timeframe, oldest first.
type CandleFeed interface {
	Candles(ctx context.Context, pair, timeframe string, limit int) ([]Candle, CandleSource, error)
}

// SplitPair splits "BTC/USDT", "BTC-USDT" or "BTC_USDT" into base and quote.
func SplitPair(pair string) (base, quote string, ok bool) {
	for _, sep := range []string{"/", "-", "_"} {
		if i := strings.Index(pair, sep); i > 0 && i < len(pair)-1 {
			return strings.ToUpper(pair[:i]), strings.ToUpper(pair[i+1:]), true
		}
	}
	return "", "", false
}

// NormalizePair renders a pair as "BASE/QUOTE".
func NormalizePair(pair string) string {
	base, quote, ok := SplitPair(pair)
	if !ok {
		return strings.ToUpper(pair)
	}
	return base + "/" + quote
}
