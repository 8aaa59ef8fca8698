package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

func TestKeyNamespacing(t *testing.T) {
	c := NewFromRedis(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "")
	defer c.Close()
	assert.Equal(t, "stratcore:lock:session:1", c.Key("lock", "session:1"))

	pc := NewPriceCache(c.WithPrefix("paper"))
	assert.Equal(t, "paper:price:BTC/USDT", pc.key("btc-usdt"))
}

func TestParsePricePoint(t *testing.T) {
	ts := time.Unix(0, 1700000000123456789)
	px, at, err := parsePricePoint("BTC/USDT", map[string]string{"price": "101.5", "ts": "1700000000123456789"})
	require.NoError(t, err)
	assert.InDelta(t, 101.5, px, 0)
	assert.True(t, ts.Equal(at))

	_, _, err = parsePricePoint("BTC/USDT", map[string]string{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = parsePricePoint("BTC/USDT", map[string]string{"price": "abc", "ts": "1"})
	assert.Error(t, err)
}

func TestClientOptions(t *testing.T) {
	opts := ClientConfig{Addr: "cache:6379", DB: 2, TLSEnabled: true}.options()
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	require.NotNil(t, opts.TLSConfig)
	assert.Nil(t, ClientConfig{}.options().TLSConfig)
}

func TestUnreachableServer(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Addr: "127.0.0.1:1", MaxRetries: -1})
	assert.Error(t, err)
}
