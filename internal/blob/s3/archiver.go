package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

const tradeLogPrefix = "archive/trade_logs/"

// TradeLogArchiver copies trade logs older than a cutoff to object storage
// as one JSONL file per calendar month (archive/trade_logs/YYYY-MM.jsonl).
// A month file is rewritten with the full month each run, so repeated runs
// converge. Rows are never deleted from the primary store here.
type TradeLogArchiver struct {
	store  domain.ObjectStore
	trades domain.TradeLogStore
	audit  domain.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

var _ domain.Archiver = (*TradeLogArchiver)(nil)

// NewArchiver creates a TradeLogArchiver. audit may be nil.
func NewArchiver(store domain.ObjectStore, trades domain.TradeLogStore, audit domain.AuditStore, logger *slog.Logger) *TradeLogArchiver {
	return &TradeLogArchiver{
		store:  store,
		trades: trades,
		audit:  audit,
		logger: logger.With(slog.String("component", "trade_log_archiver")),
		now:    time.Now,
	}
}

// ArchiveTradeLogs uploads every trade log before the cutoff and returns how
// many entries were written.
func (a *TradeLogArchiver) ArchiveTradeLogs(ctx context.Context, before time.Time) (int64, error) {
	logs, err := a.trades.ListBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trade logs query: %w", err)
	}
	if len(logs) == 0 {
		return 0, nil
	}

	byMonth := make(map[string][]domain.TradeLog)
	for _, l := range logs {
		m := l.Timestamp.UTC().Format("2006-01")
		byMonth[m] = append(byMonth[m], l)
	}
	months := make([]string, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Strings(months)

	var count int64
	for _, m := range months {
		entries := byMonth[m]
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
		buf, err := marshalJSONL(entries)
		if err != nil {
			return count, fmt.Errorf("s3blob: archive trade logs marshal %s: %w", m, err)
		}
		path := TradeLogPath(m)
		if err := a.store.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
			return count, fmt.Errorf("s3blob: archive trade logs upload %s: %w", path, err)
		}
		count += int64(len(entries))
		a.logger.InfoContext(ctx, "trade logs archived", slog.String("path", path), slog.Int("count", len(entries)))
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.trade_logs", map[string]any{
			"months": months,
			"count":  count,
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive trade logs audit: %w", err)
		}
	}
	return count, nil
}

// ReadTradeLogs loads an archived month ("2026-03").
func (a *TradeLogArchiver) ReadTradeLogs(ctx context.Context, month string) ([]domain.TradeLog, error) {
	rc, err := a.store.Get(ctx, TradeLogPath(month))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var out []domain.TradeLog
	dec := json.NewDecoder(rc)
	for {
		var l domain.TradeLog
		if err := dec.Decode(&l); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("s3blob: decode archived trade log %d: %w", len(out), err)
		}
		out = append(out, l)
	}
	return out, nil
}

// ArchivedMonths lists the months present in the archive, oldest first.
func (a *TradeLogArchiver) ArchivedMonths(ctx context.Context) ([]string, error) {
	objs, err := a.store.List(ctx, tradeLogPrefix)
	if err != nil {
		return nil, err
	}
	months := make([]string, 0, len(objs))
	for _, o := range objs {
		name := strings.TrimPrefix(o.Key, tradeLogPrefix)
		if m, ok := strings.CutSuffix(name, ".jsonl"); ok && !strings.Contains(m, "/") {
			months = append(months, m)
		}
	}
	sort.Strings(months)
	return months, nil
}

// Run archives logs older than retention every interval until ctx ends.
func (a *TradeLogArchiver) Run(ctx context.Context, interval, retention time.Duration) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := a.ArchiveTradeLogs(ctx, a.now().Add(-retention)); err != nil {
				a.logger.WarnContext(ctx, "trade log archive failed", slog.String("error", err.Error()))
			}
		}
	}
}

// TradeLogPath is the object key of an archived month.
func TradeLogPath(month string) string {
	return tradeLogPrefix + month + ".jsonl"
}

// marshalJSONL writes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
