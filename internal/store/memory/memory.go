// Package memory implements the domain stores in process. It backs backtest
// runs and tests, and stands in when no database is configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

var (
	_ domain.SessionStore        = (*SessionStore)(nil)
	_ domain.LedgerStore         = (*LedgerStore)(nil)
	_ domain.TradeLogStore       = (*TradeLogStore)(nil)
	_ domain.KillSwitchStore     = (*KillSwitchStore)(nil)
	_ domain.StrategyConfigStore = (*StrategyConfigStore)(nil)
	_ domain.SettingsStore       = (*SettingsStore)(nil)
	_ domain.AuditStore          = (*AuditStore)(nil)
	_ domain.PriceCache          = (*PriceCache)(nil)
	_ domain.SignalBus           = (*SignalBus)(nil)
)

// SessionStore keeps sessions in a map.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.TradingSession
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]domain.TradingSession)}
}

func (s *SessionStore) Create(_ context.Context, sess domain.TradingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s: %w", sess.ID, domain.ErrAlreadyExists)
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *SessionStore) Get(_ context.Context, id string) (domain.TradingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.TradingSession{}, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return cloneSession(sess), nil
}

func (s *SessionStore) Update(_ context.Context, sess domain.TradingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return fmt.Errorf("session %s: %w", sess.ID, domain.ErrNotFound)
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *SessionStore) ListByStatus(_ context.Context, statuses ...domain.SessionStatus) ([]domain.TradingSession, error) {
	want := make(map[domain.SessionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TradingSession
	for _, sess := range s.sessions {
		if len(want) == 0 || want[sess.Status] {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Len returns how many sessions are stored.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func cloneSession(s domain.TradingSession) domain.TradingSession {
	s.StrategyConfig = append([]byte(nil), s.StrategyConfig...)
	if s.Counters.CooldownUntil != nil {
		t := *s.Counters.CooldownUntil
		s.Counters.CooldownUntil = &t
	}
	if s.LastDecisionAt != nil {
		t := *s.LastDecisionAt
		s.LastDecisionAt = &t
	}
	return s
}

// LedgerStore keeps paper ledgers.
type LedgerStore struct {
	mu       sync.RWMutex
	accounts map[string]domain.LedgerAccount
	writes   int
}

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{accounts: make(map[string]domain.LedgerAccount)}
}

func (s *LedgerStore) Get(_ context.Context, sessionID string) (domain.LedgerAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[sessionID]
	if !ok {
		return domain.LedgerAccount{}, fmt.Errorf("ledger %s: %w", sessionID, domain.ErrNotFound)
	}
	return cloneAccount(acct), nil
}

func (s *LedgerStore) Put(_ context.Context, acct domain.LedgerAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.SessionID] = cloneAccount(acct)
	s.writes++
	return nil
}

// Writes counts Put calls.
func (s *LedgerStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func cloneAccount(a domain.LedgerAccount) domain.LedgerAccount {
	h := make(map[string]float64, len(a.Holdings))
	for k, v := range a.Holdings {
		h[k] = v
	}
	a.Holdings = h
	return a
}

// TradeLogStore is an append-only slice deduplicated by session and
// idempotency key.
type TradeLogStore struct {
	mu      sync.RWMutex
	entries []domain.TradeLog
	keys    map[string]bool
}

func NewTradeLogStore() *TradeLogStore {
	return &TradeLogStore{keys: make(map[string]bool)}
}

func (s *TradeLogStore) Append(_ context.Context, entry domain.TradeLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := entry.SessionID + ":" + entry.IdempotencyKey
	if s.keys[k] {
		return fmt.Errorf("trade log %s: %w", entry.IdempotencyKey, domain.ErrAlreadyExists)
	}
	s.keys[k] = true
	s.entries = append(s.entries, entry)
	return nil
}

func (s *TradeLogStore) ListBySession(_ context.Context, sessionID string, opts domain.ListOpts) ([]domain.TradeLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TradeLog
	for _, e := range s.entries {
		if e.SessionID != sessionID {
			continue
		}
		if opts.Since != nil && e.Timestamp.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.Timestamp.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return paginate(out, opts), nil
}

func (s *TradeLogStore) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.TradeLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TradeLog
	for _, e := range s.entries {
		if e.Timestamp.Before(before) {
			out = append(out, e)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Len returns how many entries were appended.
func (s *TradeLogStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func paginate[T any](in []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(in) {
			return nil
		}
		in = in[opts.Offset:]
	}
	if opts.Limit > 0 && len(in) > opts.Limit {
		in = in[:opts.Limit]
	}
	return in
}

// KillSwitchStore keeps flags and their history.
type KillSwitchStore struct {
	mu      sync.RWMutex
	flags   map[domain.KillSwitchScope]domain.KillSwitchFlag
	history []domain.KillSwitchEvent
	err     error
}

func NewKillSwitchStore() *KillSwitchStore {
	return &KillSwitchStore{flags: make(map[domain.KillSwitchScope]domain.KillSwitchFlag)}
}

// FailWith makes every subsequent call return err; nil restores normal
// operation.
func (s *KillSwitchStore) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *KillSwitchStore) SetFlag(_ context.Context, flag domain.KillSwitchFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.flags[flag.Scope] = flag
	return nil
}

func (s *KillSwitchStore) ListFlags(_ context.Context) ([]domain.KillSwitchFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]domain.KillSwitchFlag, 0, len(s.flags))
	for _, f := range s.flags {
		out = append(out, f)
	}
	return out, nil
}

func (s *KillSwitchStore) AppendEvent(_ context.Context, ev domain.KillSwitchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.history = append(s.history, ev)
	return nil
}

func (s *KillSwitchStore) History(_ context.Context, scope domain.KillSwitchScope, limit int) ([]domain.KillSwitchEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.KillSwitchEvent
	for i := len(s.history) - 1; i >= 0; i-- {
		if scope == "" || s.history[i].Scope == scope {
			out = append(out, s.history[i])
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// StrategyConfigStore keeps strategy documents by hash.
type StrategyConfigStore struct {
	mu   sync.RWMutex
	recs map[string]domain.StrategyConfigRecord
}

func NewStrategyConfigStore() *StrategyConfigStore {
	return &StrategyConfigStore{recs: make(map[string]domain.StrategyConfigRecord)}
}

func (s *StrategyConfigStore) Put(_ context.Context, rec domain.StrategyConfigRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.Hash]; !ok {
		s.recs[rec.Hash] = rec
	}
	return nil
}

func (s *StrategyConfigStore) Get(_ context.Context, hash string) (domain.StrategyConfigRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[hash]
	if !ok {
		return domain.StrategyConfigRecord{}, fmt.Errorf("strategy config %s: %w", hash, domain.ErrNotFound)
	}
	return rec, nil
}

// SettingsStore keeps numeric settings.
type SettingsStore struct {
	mu     sync.RWMutex
	values map[string]float64
}

func NewSettingsStore() *SettingsStore {
	return &SettingsStore{values: make(map[string]float64)}
}

func (s *SettingsStore) GetFloat(_ context.Context, key string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return 0, fmt.Errorf("setting %s: %w", key, domain.ErrNotFound)
	}
	return v, nil
}

func (s *SettingsStore) SetFloat(_ context.Context, key string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// AuditEvent is one recorded event.
type AuditEvent struct {
	Event  string
	Detail map[string]any
	At     time.Time
}

// AuditStore keeps events in order.
type AuditStore struct {
	mu     sync.Mutex
	events []AuditEvent
}

func NewAuditStore() *AuditStore { return &AuditStore{} }

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, AuditEvent{Event: event, Detail: detail, At: time.Now().UTC()})
	return nil
}

// Events returns a copy of the recorded events.
func (s *AuditStore) Events() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEvent(nil), s.events...)
}

type pricePoint struct {
	price float64
	at    time.Time
}

// PriceCache keeps the latest price per pair.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]pricePoint
}

func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]pricePoint)}
}

func (c *PriceCache) SetPrice(_ context.Context, pair string, price float64, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[domain.NormalizePair(pair)] = pricePoint{price: price, at: ts}
	return nil
}

func (c *PriceCache) GetPrice(_ context.Context, pair string) (float64, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[domain.NormalizePair(pair)]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("price %s: %w", pair, domain.ErrNotFound)
	}
	return p.price, p.at, nil
}

// SignalBus fans published payloads out to in-process subscribers and keeps
// streams as slices. Slow subscribers miss messages rather than block.
type SignalBus struct {
	mu      sync.Mutex
	subs    map[string][]chan []byte
	streams map[string][]domain.StreamMessage
}

func NewSignalBus() *SignalBus {
	return &SignalBus{subs: make(map[string][]chan []byte), streams: make(map[string][]domain.StreamMessage)}
}

func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, c := range subs {
			if c == ch {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	})
	return ch, nil
}

func (b *SignalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := strconv.Itoa(len(b.streams[stream])+1) + "-0"
	b.streams[stream] = append(b.streams[stream], domain.StreamMessage{ID: id, Payload: append([]byte(nil), payload...)})
	return nil
}

// StreamRead returns up to count messages after lastID ("0" reads from the
// start).
func (b *SignalBus) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	after, _ := strconv.Atoi(strings.SplitN(lastID, "-", 2)[0])
	msgs := b.streams[stream]
	if after >= len(msgs) {
		return nil, nil
	}
	msgs = msgs[after:]
	if count > 0 && len(msgs) > count {
		msgs = msgs[:count]
	}
	return append([]domain.StreamMessage(nil), msgs...), nil
}
