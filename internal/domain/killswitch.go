package domain

import (
	"strings"
	"time"
)

// KillSwitchScope is "global", "user:<id>" or "session:<id>".
type KillSwitchScope string

func GlobalScope() KillSwitchScope { return "global" }
func UserScope(id string) KillSwitchScope { return KillSwitchScope("user:" + id) }
func SessionScope(id string) KillSwitchScope { return KillSwitchScope("session:" + id) }
func (s KillSwitchScope) IsGlobal() bool { return s == "global" }
func (s KillSwitchScope) String() string { return string(s) }

// ParseScope validates a scope string.
func ParseScope(raw string) (KillSwitchScope, bool) {
	if raw == "global" {
		return GlobalScope(), true
	}
	for _, p := range []string{"user:", "session:"} {
		if strings.HasPrefix(raw, p) && len(raw) > len(p) {
			return KillSwitchScope(raw), true
		}
	}
	return "", false
}

// Covers reports whether activating s blocks the given session.
func (s KillSwitchScope) Covers(sess *TradingSession) bool {
	return s.IsGlobal() || s == UserScope(sess.OwnerID) || s == SessionScope(sess.ID)
}

// KillSwitchFlag is the current state of one scope.
type KillSwitchFlag struct {
	Scope     KillSwitchScope
	Active    bool
	Reason    string
	Actor     string
	UpdatedAt time.Time
}

// KillSwitchEvent is one entry of the append-only activation history.
type KillSwitchEvent struct {
	Scope     KillSwitchScope
	Active    bool
	Reason    string
	Actor     string
	CreatedAt time.Time
}
