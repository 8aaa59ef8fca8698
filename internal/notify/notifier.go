// Package notify delivers operator alerts about kill switches, killed
// sessions, fills, unusable market data and audit failures to Telegram and Discord. Alerts can be
// filtered by event type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Event types understood by the notifier filter.
const (
	EventKillSwitch    = "kill_switch"
	EventSessionKilled = "session_killed"
	EventOrderFilled   = "order_filled"
	EventDataIntegrity = "data_integrity"
	EventAuditFailure  = "audit_failure"
)

// Field is one labelled value rendered under an alert title.
type Field struct {
	Key   string
	Value string
}

// Alert is a single operator notification.
type Alert struct {
	Event  string
	Title  string
	Fields []Field
}

// NewAlert builds an alert from alternating key/value pairs. A trailing key
// without a value is dropped.
func NewAlert(event, title string, kv ...string) Alert {
	a := Alert{Event: event, Title: title}
	for i := 0; i+1 < len(kv); i += 2 {
		a.Fields = append(a.Fields, Field{Key: kv[i], Value: kv[i+1]})
	}
	return a
}

// Body renders the fields one per line as "key: value".
func (a Alert) Body() string {
	var b strings.Builder
	for i, f := range a.Fields {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.Key)
		b.WriteString(": ")
		b.WriteString(f.Value)
	}
	return b.String()
}

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, a Alert) error
	Name() string
}

// Notifier fans alerts out to every Sender concurrently.
type Notifier struct {
	senders []Sender
	allowed map[string]struct{}
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = struct{}{}
		}
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether alerts for event would be delivered anywhere.
func (n *Notifier) Enabled(event string) bool {
	if n == nil || len(n.senders) == 0 {
		return false
	}
	if len(n.allowed) == 0 {
		return true
	}
	_, ok := n.allowed[event]
	return ok
}

// Notify delivers a to every sender when its event passes the filter and
// returns the joined sender failures. A nil Notifier drops everything.
func (n *Notifier) Notify(ctx context.Context, a Alert) error {
	if !n.Enabled(a.Event) {
		return nil
	}

	errs := make([]error, len(n.senders))
	var wg sync.WaitGroup
	for i, s := range n.senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Send(ctx, a); err != nil {
				n.logger.WarnContext(ctx, "alert delivery failed",
					slog.String("sender", s.Name()),
					slog.String("event", a.Event),
					slog.String("error", err.Error()),
				)
				errs[i] = fmt.Errorf("%s: %w", s.Name(), err)
			}
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}
