package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrLockHeld             = errors.New("lock already held")
	ErrInvalidStrategy      = errors.New("invalid strategy configuration")
	ErrUnsupportedPair      = errors.New("unsupported pair")
	ErrDataIntegrity        = errors.New("data integrity violation")
	ErrLiveOptInRequired    = errors.New("live trading requires explicit opt-in")
	ErrSessionInactive      = errors.New("session not active")
	ErrInvalidTransition    = errors.New("invalid session status transition")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientPosition = errors.New("insufficient position")
	ErrStalePrice           = errors.New("price is stale")
	ErrUnknownOutcome       = errors.New("unknown order outcome, reconcile from venue")
)

// DataIntegrityError reports that market data could not be trusted for the
// requested mode. Evaluation must stop without producing a signal.
type DataIntegrityError struct {
	Pair   string
	Mode   Mode
	Reason string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity: %s (%s, mode=%s)", e.Reason, e.Pair, e.Mode)
}

func (e *DataIntegrityError) Unwrap() error { return ErrDataIntegrity }

// ConfigError is a synchronous rejection of a malformed strategy or an
// unsupported pair/timeframe. It is never retried.
type ConfigError struct {
	Field  string
	Reason string
	Kind   error // ErrInvalidStrategy or ErrUnsupportedPair
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %s", e.Reason)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	if e.Kind == nil {
		return ErrInvalidStrategy
	}
	return e.Kind
}
