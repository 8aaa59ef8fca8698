// Package venue is the REST client for a spot exchange: order placement,
// balances, tickers and closed candles. Every request is rate limited and
// HMAC signed.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/stratcore/internal/crypto"
	"github.com/alanyoungcy/stratcore/internal/domain"
	"github.com/alanyoungcy/stratcore/internal/metrics"
)

// Config configures a Client.
type Config struct {
	// Name identifies the venue in candle sources and logs.
	Name    string
	BaseURL string
	Timeout time.Duration
	// RequestsPerSecond and Burst shape the outbound request rate.
	RequestsPerSecond float64
	Burst             int
}

// Client implements domain.VenueClient and domain.CandleFeed.
type Client struct {
	name    string
	http    *resty.Client
	auth    *crypto.HMACAuth
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

var (
	_ domain.VenueClient = (*Client)(nil)
	_ domain.CandleFeed  = (*Client)(nil)
)

// NewClient creates a venue client. auth may be nil for public endpoints only.
func NewClient(cfg Config, auth *crypto.HMACAuth, m *metrics.Metrics, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Name == "" {
		cfg.Name = "venue"
	}
	hc := resty.New()
	hc.SetBaseURL(cfg.BaseURL)
	hc.SetTimeout(cfg.Timeout)
	hc.SetHeader("Accept", "application/json")

	return &Client{
		name:    cfg.Name,
		http:    hc,
		auth:    auth,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		metrics: m,
		logger:  logger.With(slog.String("component", "venue"), slog.String("venue", cfg.Name)),
		now:     time.Now,
	}
}

// Symbol renders a pair the way the venue names it: "BTC/USDT" -> "BTCUSDT".
func Symbol(pair string) string {
	base, quote, ok := domain.SplitPair(pair)
	if !ok {
		return pair
	}
	return base + quote
}

type orderPayload struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Quantity      string  `json:"quantity"`
	Price         *string `json:"price,omitempty"`
	StopPrice     *string `json:"stop_price,omitempty"`
}

type orderResponse struct {
	OrderID        string  `json:"order_id"`
	ClientOrderID  string  `json:"client_order_id"`
	Status         string  `json:"status"`
	FilledQuantity float64 `json:"filled_quantity,string"`
	AvgPrice       float64 `json:"avg_price,string"`
	UpdatedAt      int64   `json:"updated_at"`
}

func (o orderResponse) fill() domain.VenueFill {
	f := domain.VenueFill{
		VenueOrderID:   o.OrderID,
		ClientOrderID:  o.ClientOrderID,
		Status:         mapStatus(o.Status),
		FilledQuantity: o.FilledQuantity,
		AvgPrice:       o.AvgPrice,
	}
	if o.UpdatedAt > 0 {
		f.UpdatedAt = time.UnixMilli(o.UpdatedAt).UTC()
	}
	return f
}

func mapStatus(s string) domain.OrderStatus {
	switch s {
	case "NEW", "new", "open":
		return domain.OrderStatusOpen
	case "FILLED", "filled":
		return domain.OrderStatusFilled
	case "PARTIALLY_FILLED", "partially_filled":
		return domain.OrderStatusPartial
	case "CANCELED", "CANCELLED", "canceled", "cancelled", "EXPIRED", "expired":
		return domain.OrderStatusCancelled
	case "REJECTED", "rejected":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusPending
	}
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// PlaceOrder submits an order. The client order id doubles as the venue-side
// idempotency key.
func (c *Client) PlaceOrder(ctx context.Context, order domain.VenueOrder) (domain.VenueFill, error) {
	p := orderPayload{
		ClientOrderID: order.ClientOrderID,
		Symbol:        Symbol(order.Pair),
		Side:          string(order.Side),
		Type:          string(order.Kind),
		Quantity:      formatFloat(order.Quantity),
	}
	if order.LimitPrice != nil {
		s := formatFloat(*order.LimitPrice)
		p.Price = &s
	}
	if order.StopPrice != nil {
		s := formatFloat(*order.StopPrice)
		p.StopPrice = &s
	}
	var out orderResponse
	if err := c.do(ctx, "place_order", http.MethodPost, "/api/v1/orders", nil, p, &out); err != nil {
		return domain.VenueFill{}, fmt.Errorf("venue: place order %s: %w", order.ClientOrderID, err)
	}
	c.logger.InfoContext(ctx, "order placed",
		slog.String("client_order_id", order.ClientOrderID),
		slog.String("venue_order_id", out.OrderID),
		slog.String("status", out.Status),
	)
	return out.fill(), nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, pair, venueOrderID string) error {
	q := url.Values{"symbol": {Symbol(pair)}}
	if err := c.do(ctx, "cancel_order", http.MethodDelete, "/api/v1/orders/"+url.PathEscape(venueOrderID), q, nil, nil); err != nil {
		return fmt.Errorf("venue: cancel order %s: %w", venueOrderID, err)
	}
	return nil
}

// OrderStatus fetches the current state of an order.
func (c *Client) OrderStatus(ctx context.Context, pair, venueOrderID string) (domain.VenueFill, error) {
	q := url.Values{"symbol": {Symbol(pair)}}
	var out orderResponse
	if err := c.do(ctx, "order_status", http.MethodGet, "/api/v1/orders/"+url.PathEscape(venueOrderID), q, nil, &out); err != nil {
		return domain.VenueFill{}, fmt.Errorf("venue: order status %s: %w", venueOrderID, err)
	}
	return out.fill(), nil
}

// Balance returns the free balance of an asset.
func (c *Client) Balance(ctx context.Context, asset string) (float64, error) {
	var out struct {
		Asset string  `json:"asset"`
		Free  float64 `json:"free,string"`
	}
	if err := c.do(ctx, "balance", http.MethodGet, "/api/v1/balances/"+url.PathEscape(asset), nil, nil, &out); err != nil {
		return 0, fmt.Errorf("venue: balance %s: %w", asset, err)
	}
	return out.Free, nil
}

// Ticker returns the top of book and last trade of a pair.
func (c *Client) Ticker(ctx context.Context, pair string) (domain.Ticker, error) {
	var out struct {
		Bid  float64 `json:"bid,string"`
		Ask  float64 `json:"ask,string"`
		Last float64 `json:"last,string"`
		Time int64   `json:"time"`
	}
	q := url.Values{"symbol": {Symbol(pair)}}
	if err := c.do(ctx, "ticker", http.MethodGet, "/api/v1/ticker", q, nil, &out); err != nil {
		return domain.Ticker{}, fmt.Errorf("venue: ticker %s: %w", pair, err)
	}
	t := domain.Ticker{Pair: domain.NormalizePair(pair), Bid: out.Bid, Ask: out.Ask, Last: out.Last, At: c.now().UTC()}
	if out.Time > 0 {
		t.At = time.UnixMilli(out.Time).UTC()
	}
	return t, nil
}

type candleJSON struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open,string"`
	High     float64 `json:"high,string"`
	Low      float64 `json:"low,string"`
	Close    float64 `json:"close,string"`
	Volume   float64 `json:"volume,string"`
}

// Candles returns closed candles, oldest first. A still-forming last candle
// is dropped.
func (c *Client) Candles(ctx context.Context, pair, timeframe string, limit int) ([]domain.Candle, domain.CandleSource, error) {
	src := domain.CandleSource{Venue: c.name, Live: true, Verified: true, Description: "venue REST klines"}
	tf, ok := domain.ParseTimeframe(timeframe)
	if !ok {
		return nil, src, fmt.Errorf("venue: unsupported timeframe %q", timeframe)
	}
	q := url.Values{"symbol": {Symbol(pair)}, "interval": {timeframe}}
	if limit > 0 {
		// One extra in case the newest bar is still open.
		q.Set("limit", strconv.Itoa(limit+1))
	}
	var raw []candleJSON
	if err := c.do(ctx, "candles", http.MethodGet, "/api/v1/candles", q, nil, &raw); err != nil {
		return nil, src, fmt.Errorf("venue: candles %s %s: %w", pair, timeframe, err)
	}

	now := c.now()
	out := make([]domain.Candle, 0, len(raw))
	for _, k := range raw {
		open := time.UnixMilli(k.OpenTime).UTC()
		if open.Add(tf).After(now) {
			continue
		}
		out = append(out, domain.Candle{OpenTime: open, Open: k.Open, High: k.High, Low: k.Low, Close: k.Close, Volume: k.Volume})
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, src, nil
}

// do sends one signed request. body is JSON-encoded before signing so the
// signature covers the exact bytes sent.
func (c *Client) do(ctx context.Context, endpoint, method, path string, query url.Values, body, result any) (err error) {
	defer func() { c.metrics.ObserveVenueRequest(endpoint, err) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	req := c.http.R().SetContext(ctx)
	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		req.SetHeader("Content-Type", "application/json").SetBody(payload)
	}
	if c.auth != nil {
		req.SetHeaders(c.auth.Headers(method, path, string(payload)))
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return fmt.Errorf("%s: %w", resp.String(), domain.ErrNotFound)
	case resp.IsError():
		return fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
