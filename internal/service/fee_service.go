package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/stratcore/internal/domain"
	"github.com/alanyoungcy/stratcore/internal/metrics"
)

// FeePercentKey is the platform setting holding the trading fee in percent.
const FeePercentKey = "fee_percent"

// FeeSource supplies the current fee percentage.
type FeeSource interface {
	FeePercent(ctx context.Context) (float64, error)
}

// StaticFeeSource always returns the same percentage.
type StaticFeeSource float64

func (s StaticFeeSource) FeePercent(context.Context) (float64, error) { return float64(s), nil }

// SettingsFeeSource reads the percentage from the platform settings store.
type SettingsFeeSource struct {
	Settings domain.SettingsStore
}

func (s SettingsFeeSource) FeePercent(ctx context.Context) (float64, error) {
	return s.Settings.GetFloat(ctx, FeePercentKey)
}

// FeeConfig controls fee caching.
type FeeConfig struct {
	DefaultPercent float64
	TTL            time.Duration
}

// FeeService computes trading fees from a cached percentage. A failed lookup
// falls back to DefaultPercent and never blocks trading.
type FeeService struct {
	source  FeeSource
	cfg     FeeConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	group   singleflight.Group

	mu       sync.RWMutex
	pct      decimal.Decimal
	loadedAt time.Time
}

// NewFeeService creates a FeeService.
func NewFeeService(source FeeSource, cfg FeeConfig, m *metrics.Metrics, logger *slog.Logger) *FeeService {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	return &FeeService{
		source:  source,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "fees")),
		now:     time.Now,
	}
}

// FeeForTradeValue returns the fee owed on a trade of the given quote value.
func (f *FeeService) FeeForTradeValue(ctx context.Context, value float64) float64 {
	pct := f.percent(ctx)
	fee := decimal.NewFromFloat(value).Abs().Mul(pct).Div(decimal.NewFromInt(100))
	return fee.InexactFloat64()
}

// Percent returns the fee percentage currently in effect.
func (f *FeeService) Percent(ctx context.Context) float64 {
	return f.percent(ctx).InexactFloat64()
}

// Invalidate forces the next lookup to hit the source.
func (f *FeeService) Invalidate() {
	f.mu.Lock()
	f.loadedAt = time.Time{}
	f.mu.Unlock()
}

func (f *FeeService) percent(ctx context.Context) decimal.Decimal {
	f.mu.RLock()
	pct, loadedAt := f.pct, f.loadedAt
	f.mu.RUnlock()
	if !loadedAt.IsZero() && f.now().Sub(loadedAt) < f.cfg.TTL {
		f.metrics.ObserveFeeLookup("hit")
		return pct
	}

	v, _, _ := f.group.Do("fee", func() (any, error) {
		raw, err := f.source.FeePercent(ctx)
		if err == nil && raw < 0 {
			err = fmt.Errorf("negative fee percent %v", raw)
		}
		if err != nil {
			f.metrics.ObserveFeeLookup("fallback")
			f.logger.WarnContext(ctx, "fee lookup failed, using default",
				slog.String("error", err.Error()),
				slog.Float64("default_percent", f.cfg.DefaultPercent),
			)
			// The fallback is not cached so the next call retries the source.
			return decimal.NewFromFloat(f.cfg.DefaultPercent), nil
		}
		f.metrics.ObserveFeeLookup("miss")
		d := decimal.NewFromFloat(raw)
		f.mu.Lock()
		f.pct, f.loadedAt = d, f.now()
		f.mu.Unlock()
		return d, nil
	})
	return v.(decimal.Decimal)
}
