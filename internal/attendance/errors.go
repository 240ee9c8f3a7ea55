package attendance

import (
	"errors"
	"fmt"
)

// Kind classifies marking failures. Every kind except StoreUnavailable
// is an expected business outcome; only StoreUnavailable is worth a
// caller-side retry.
type Kind string

const (
	KindTooEarly           Kind = "too_early"
	KindMarkingPeriodEnded Kind = "marking_period_ended"
	KindAlreadyLocked      Kind = "already_locked"
	KindNotEnrolled        Kind = "not_enrolled"
	KindInvalidInput       Kind = "invalid_input"
	KindUnauthorized       Kind = "unauthorized"
	KindNotFound           Kind = "not_found"
	KindStoreUnavailable   Kind = "store_unavailable"
)

// Error is a classified marking failure.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func errf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from an error, or StoreUnavailable for
// anything unclassified (plain store errors bubble up as transient).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStoreUnavailable
}

// storeErr wraps a raw store failure so callers see it as transient.
func storeErr(err error) error {
	return &Error{Kind: KindStoreUnavailable, Msg: err.Error()}
}
