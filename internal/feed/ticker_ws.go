// Package feed streams venue tickers into the price cache that paper
// sessions fill against.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/stratcore/internal/domain"
	"github.com/alanyoungcy/stratcore/internal/metrics"
	"github.com/alanyoungcy/stratcore/internal/platform/venue"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

type subscribeCommand struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols"`
}

type tickerMessage struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
	Last    string `json:"last"`
	Time    int64  `json:"time"`
}

// TickerFeed subscribes to the venue ticker channel and writes every last
// price into a domain.PriceCache. It reconnects with exponential backoff.
type TickerFeed struct {
	url     string
	symbols map[string]string // venue symbol -> pair
	cache   domain.PriceCache
	metrics *metrics.Metrics
	logger  *slog.Logger

	// OnTicker, when set, is called after each cached update.
	OnTicker func(pair string, price float64, at time.Time)
}

// NewTickerFeed creates a feed for pairs.
func NewTickerFeed(url string, pairs []string, cache domain.PriceCache, m *metrics.Metrics, logger *slog.Logger) *TickerFeed {
	symbols := make(map[string]string, len(pairs))
	for _, p := range pairs {
		symbols[venue.Symbol(p)] = domain.NormalizePair(p)
	}
	return &TickerFeed{
		url:     url,
		symbols: symbols,
		cache:   cache,
		metrics: m,
		logger:  logger.With(slog.String("component", "ticker_feed")),
	}
}

// Run keeps a connection open until ctx is cancelled.
func (f *TickerFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no pairs to subscribe, exiting")
		return nil
	}
	delay := reconnectDelay
	for {
		start := time.Now()
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) > maxReconnectDelay {
			delay = reconnectDelay
		}
		f.logger.WarnContext(ctx, "ticker feed disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (f *TickerFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(kind int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(kind, data)
	}

	symbols := make([]string, 0, len(f.symbols))
	for s := range f.symbols {
		symbols = append(symbols, s)
	}
	sub, _ := json.Marshal(subscribeCommand{Op: "subscribe", Channel: "ticker", Symbols: symbols})
	if err := write(websocket.TextMessage, sub); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.InfoContext(ctx, "ticker feed subscribed", slog.Int("pairs", len(symbols)))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				// Unblocks ReadMessage below.
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handle(ctx, data)
	}
}

func (f *TickerFeed) handle(ctx context.Context, data []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.DebugContext(ctx, "ignoring malformed message", slog.String("error", err.Error()))
		return
	}
	if msg.Channel != "ticker" {
		return
	}
	pair, ok := f.symbols[msg.Symbol]
	if !ok {
		return
	}
	price, err := strconv.ParseFloat(msg.Last, 64)
	if err != nil || price <= 0 {
		f.logger.WarnContext(ctx, "bad ticker price", slog.String("symbol", msg.Symbol), slog.String("last", msg.Last))
		return
	}
	at := time.Now().UTC()
	if msg.Time > 0 {
		at = time.UnixMilli(msg.Time).UTC()
	}
	if err := f.cache.SetPrice(ctx, pair, price, at); err != nil {
		f.logger.WarnContext(ctx, "price cache write failed", slog.String("pair", pair), slog.String("error", err.Error()))
		return
	}
	f.metrics.ObserveTicker()
	if f.OnTicker != nil {
		f.OnTicker(pair, price, at)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Sprintf("closed by peer (%d)", ce.Code)
	}
	return err.Error()
}
