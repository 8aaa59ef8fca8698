// Package marketdata turns closed candles into indicator series for the
// decision engine.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/stratcore/internal/domain"
	"github.com/alanyoungcy/stratcore/internal/indicator"
)

// Config tunes the provider.
type Config struct {
	// ExtraBars are fetched beyond the longest warmup so recursive
	// indicators settle.
	ExtraBars int
	// MaxStaleBars rejects paper and live data whose newest candle closed
	// more than this many bars ago. Zero disables the check.
	MaxStaleBars int
	// Workers bounds concurrent indicator computations per request.
	Workers int
}

// Provider implements domain.MarketDataProvider over a candle feed.
type Provider struct {
	feed   domain.CandleFeed
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group
}

var _ domain.MarketDataProvider = (*Provider)(nil)

// NewProvider creates a Provider.
func NewProvider(feed domain.CandleFeed, cfg Config, logger *slog.Logger) *Provider {
	if cfg.ExtraBars <= 0 {
		cfg.ExtraBars = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Provider{
		feed:   feed,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "market_data")),
		now:    time.Now,
	}
}

type candleBatch struct {
	candles []domain.Candle
	source  domain.CandleSource
}

// IndicatorValues fetches enough candles for every reference and computes
// the series. Sessions sharing a pair and timeframe share one fetch.
func (p *Provider) IndicatorValues(ctx context.Context, req domain.IndicatorRequest) (domain.IndicatorResponse, error) {
	tf, ok := domain.ParseTimeframe(req.Timeframe)
	if !ok {
		return domain.IndicatorResponse{}, &domain.ConfigError{Field: "timeframe", Reason: fmt.Sprintf("unsupported timeframe %q", req.Timeframe)}
	}
	warmup := 1
	for _, r := range req.References {
		if w := indicator.Warmup(r); w > warmup {
			warmup = w
		}
	}
	need := warmup + req.Lookback
	limit := need + p.cfg.ExtraBars

	key := domain.NormalizePair(req.Pair) + "|" + req.Timeframe + "|" + strconv.Itoa(limit)
	v, err, _ := p.group.Do(key, func() (any, error) {
		candles, source, err := p.feed.Candles(ctx, req.Pair, req.Timeframe, limit)
		if err != nil {
			return nil, err
		}
		return candleBatch{candles: candles, source: source}, nil
	})
	if err != nil {
		return domain.IndicatorResponse{}, fmt.Errorf("marketdata: candles %s %s: %w", req.Pair, req.Timeframe, err)
	}
	batch := v.(candleBatch)

	if req.Mode == domain.ModeLive && !batch.source.SatisfiesLive() {
		return domain.IndicatorResponse{Source: batch.source}, &domain.DataIntegrityError{
			Pair: req.Pair, Mode: req.Mode,
			Reason: fmt.Sprintf("candle source %q is not a verified live venue", batch.source.Venue),
		}
	}
	if len(batch.candles) < need {
		return domain.IndicatorResponse{Source: batch.source}, &domain.DataIntegrityError{
			Pair: req.Pair, Mode: req.Mode,
			Reason: fmt.Sprintf("%d %s candles available, %d required", len(batch.candles), req.Timeframe, need),
		}
	}
	last := batch.candles[len(batch.candles)-1]
	asOf := last.OpenTime.Add(tf)
	if req.Mode != domain.ModeBacktest && p.cfg.MaxStaleBars > 0 {
		if age := p.now().Sub(asOf); age > time.Duration(p.cfg.MaxStaleBars)*tf {
			return domain.IndicatorResponse{Source: batch.source}, &domain.DataIntegrityError{
				Pair: req.Pair, Mode: req.Mode,
				Reason: fmt.Sprintf("newest %s candle closed %s ago", req.Timeframe, age.Truncate(time.Second)),
			}
		}
	}

	series := make([][]float64, len(req.References))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, r := range req.References {
		g.Go(func() error {
			s, err := indicator.Compute(r, batch.candles)
			if err != nil {
				return &domain.ConfigError{Field: r.Key(), Reason: err.Error()}
			}
			series[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.IndicatorResponse{Source: batch.source}, err
	}

	values := make(domain.IndicatorValues, len(req.References))
	for i, r := range req.References {
		values.Set(r, series[i])
	}
	p.logger.DebugContext(ctx, "indicators computed",
		slog.String("pair", req.Pair),
		slog.String("timeframe", req.Timeframe),
		slog.Int("candles", len(batch.candles)),
		slog.Int("references", len(req.References)),
	)
	return domain.IndicatorResponse{
		Values: values,
		Source: batch.source,
		Price:  last.Close,
		AsOf:   asOf,
	}, nil
}

// StaticFeed serves fixed candles. Backtests and tests use it.
type StaticFeed struct {
	Source  domain.CandleSource
	candles map[string][]domain.Candle
}

// NewStaticFeed creates an empty StaticFeed.
func NewStaticFeed(source domain.CandleSource) *StaticFeed {
	return &StaticFeed{Source: source, candles: make(map[string][]domain.Candle)}
}

// Load sets the candles of a pair and timeframe, oldest first.
func (f *StaticFeed) Load(pair, timeframe string, candles []domain.Candle) {
	f.candles[domain.NormalizePair(pair)+"|"+timeframe] = candles
}

func (f *StaticFeed) Candles(_ context.Context, pair, timeframe string, limit int) ([]domain.Candle, domain.CandleSource, error) {
	c, ok := f.candles[domain.NormalizePair(pair)+"|"+timeframe]
	if !ok {
		return nil, f.Source, fmt.Errorf("marketdata: no candles for %s %s: %w", pair, timeframe, domain.ErrNotFound)
	}
	if limit > 0 && len(c) > limit {
		c = c[len(c)-limit:]
	}
	return c, f.Source, nil
}
