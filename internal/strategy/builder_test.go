package strategy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

const rsiEmaYAML = `
name: rsi-ema
timeframe: 1h
confirmation_timeframes: [4h]
cooldown: 30m
max_hold: 48h
entry:
  label: oversold reversal
  conditions:
    - indicator: rsi
      params: {period: 14}
      comparator: "<"
      value: 30
    - indicator: ema
      params: {period: 9}
      comparator: crosses_above
      compare:
        indicator: ema
        params: {period: 21}
exit:
  conditions:
    - indicator: rsi
      params: {period: 14}
      comparator: ">"
      value: 70
    - operator: AND
      conditions:
        - indicator: price
          comparator: outside
          bounds:
            - value: 1
            - indicator: bollinger
              params: {period: 20, stddev: 2}
              output: upper
        - indicator: volume
          comparator: rising
          weight: 2
confirmation:
  conditions:
    - indicator: macd
      timeframe: 4h
      output: histogram
      comparator: ">"
      value: 0
sizing:
  type: percent_balance
  value: 10
`

func mustParse(t *testing.T, doc string) domain.Strategy {
	t.Helper()
	s, err := Parse([]byte(doc), Detect([]byte(doc)))
	require.NoError(t, err)
	return s
}

func TestParseAppliesDefaults(t *testing.T) {
	s := mustParse(t, rsiEmaYAML)

	assert.Equal(t, "rsi-ema", s.Name)
	assert.Equal(t, domain.OpAnd, s.Entry.Operator)
	assert.Equal(t, domain.OpOr, s.Exit.Operator)
	assert.Equal(t, 30*time.Minute, s.Cooldown)
	assert.Equal(t, 48*time.Hour, s.MaxHold)
	assert.Equal(t, domain.SizingPercentBalance, s.Sizing.Type)
	require.NotNil(t, s.Confirmation)

	require.Len(t, s.Entry.Children, 2)
	first := s.Entry.Children[0].(domain.Condition)
	assert.Equal(t, "1h", first.Left.Timeframe, "reference inherits strategy timeframe")
	assert.Equal(t, 1.0, first.Weight)
	assert.Equal(t, rsi14.Key(), first.Left.Key())

	cross := s.Entry.Children[1].(domain.Condition)
	require.NotNil(t, cross.Right.Indicator)
	assert.Equal(t, ema21.Key(), cross.Right.Indicator.Key())

	nested := s.Exit.Children[1].(domain.ConditionGroup)
	assert.Equal(t, domain.OpAnd, nested.Operator)
	outside := nested.Children[0].(domain.Condition)
	require.Len(t, outside.Right.Bounds, 2)

	conf := s.Confirmation.Children[0].(domain.Condition)
	assert.Equal(t, "4h", conf.Left.Timeframe)
}

func TestReferencesAreDistinct(t *testing.T) {
	s := mustParse(t, rsiEmaYAML)
	refs := s.References()

	keys := map[string]bool{}
	for _, r := range refs {
		assert.False(t, keys[r.Key()], "duplicate %s", r.Key())
		keys[r.Key()] = true
	}
	// rsi appears in entry and exit but is collected once
	assert.True(t, keys[rsi14.Key()])
	assert.Len(t, refs, 7)
}

func TestRoundTrip(t *testing.T) {
	orig := mustParse(t, rsiEmaYAML)

	rebuilt, err := FromDocument(ToDocument(orig))
	require.NoError(t, err)
	assert.Equal(t, orig, rebuilt)

	for _, format := range []Format{FormatJSON, FormatYAML} {
		data, err := Marshal(orig, format)
		require.NoError(t, err)
		back, err := Parse(data, format)
		require.NoError(t, err, string(data))
		assert.Equal(t, orig.Entry, back.Entry, format)
		assert.Equal(t, orig.Exit, back.Exit, format)
		assert.Equal(t, orig.Confirmation, back.Confirmation, format)
	}
}

func TestConfigHashIsContentAddressed(t *testing.T) {
	a := mustParse(t, rsiEmaYAML)
	b := mustParse(t, rsiEmaYAML)
	b.CreatedAt = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	ha, err := ConfigHash(a)
	require.NoError(t, err)
	hb, err := ConfigHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb, "timestamps do not change the hash")
	assert.Len(t, ha, 64)

	c := mustParse(t, rsiEmaYAML)
	c.Cooldown = time.Hour
	hc, err := ConfigHash(c)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown comparator", `{"name":"x","timeframe":"1h","entry":{"conditions":[{"indicator":"rsi","comparator":"~","value":1}]}}`},
		{"unknown indicator", `{"name":"x","timeframe":"1h","entry":{"conditions":[{"indicator":"magic","comparator":">","value":1}]}}`},
		{"missing right side", `{"name":"x","timeframe":"1h","entry":{"conditions":[{"indicator":"rsi","comparator":">"}]}}`},
		{"one bound", `{"name":"x","timeframe":"1h","entry":{"conditions":[{"indicator":"rsi","comparator":"between","bounds":[{"value":1}]}]}}`},
		{"bad timeframe", `{"name":"x","timeframe":"hourly","entry":{}}`},
		{"missing name", `{"timeframe":"1h","entry":{}}`},
		{"bad operator", `{"name":"x","timeframe":"1h","entry":{"operator":"XOR","conditions":[]}}`},
		{"negative weight", `{"name":"x","timeframe":"1h","entry":{"conditions":[{"indicator":"rsi","comparator":">","value":1,"weight":-1}]}}`},
		{"unknown field", `{"name":"x","timeframe":"1h","entyr":{}}`},
		{"bad duration", `{"name":"x","timeframe":"1h","cooldown":"soon"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc), FormatJSON)
			require.Error(t, err)
			var cfgErr *domain.ConfigError
			assert.True(t, errors.As(err, &cfgErr))
			assert.True(t, errors.Is(err, domain.ErrInvalidStrategy))
		})
	}
}

func TestRegistryLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rsi_ema.yaml"), []byte(rsiEmaYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	reg := NewRegistry()
	names, err := reg.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"rsi_ema"}, names)

	s, err := reg.Get("rsi_ema")
	require.NoError(t, err)
	assert.Equal(t, "rsi-ema", s.Name)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
