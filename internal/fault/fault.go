// Package fault defines the typed errors exchanged between the provider,
// resilience, and session layers.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	// KindConfiguration covers malformed or unreadable configuration.
	// Fatal at load time for the affected entry only.
	KindConfiguration Kind = "configuration"

	// KindTransport covers spawn failures, refused/reset connections, and
	// stream termination. Retriable per policy.
	KindTransport Kind = "transport"

	// KindProtocol covers malformed framing and schema mismatches.
	// Never retried.
	KindProtocol Kind = "protocol"

	// KindExhaustion means retries ran out or the circuit is open.
	KindExhaustion Kind = "exhaustion"

	// KindSession covers send/receive failures on a client session.
	// Treated as peer-gone, never retried.
	KindSession Kind = "session"
)

// Error is a classified failure carrying the originating target.
type Error struct {
	Kind   Kind
	Target string // provider id, model name, or connection id
	Err    error
}

func (e *Error) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Target, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and target.
func New(kind Kind, target string, err error) *Error {
	return &Error{Kind: kind, Target: target, Err: err}
}

// Newf wraps a formatted message with a kind and target.
func Newf(kind Kind, target string, format string, args ...any) *Error {
	return &Error{Kind: kind, Target: target, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or an empty Kind for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// TargetOf returns the target recorded on err, if any.
func TargetOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Target
	}
	return ""
}

// Is supports errors.Is matching on kind alone.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Kind == e.Kind && (fe.Target == "" || fe.Target == e.Target)
	}
	return false
}

// terminalFragments are response markers that indicate the request itself is
// bad and retrying cannot help.
var terminalFragments = []string{
	"400", "bad request",
	"401", "unauthorized",
	"403", "forbidden",
	"404", "not found",
	"invalid request",
	"malformed",
}

// retriableFragments are response markers for transient downstream trouble.
var retriableFragments = []string{
	"429", "rate limit",
	"502", "bad gateway",
	"503", "unavailable",
	"504", "gateway timeout",
	"timeout", "timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
}

// Retriable reports whether err is worth another attempt. Explicit kinds win;
// network errors and recognizable status fragments are classified by shape.
func Retriable(err error) bool {
	if err == nil {
		return false
	}

	switch KindOf(err) {
	case KindTransport:
		return true
	case KindProtocol, KindConfiguration, KindExhaustion, KindSession:
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range terminalFragments {
		if strings.Contains(msg, frag) {
			return false
		}
	}
	for _, frag := range retriableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}

	// Unknown errors default to retriable so a flaky provider gets the
	// benefit of the backoff path.
	return true
}
