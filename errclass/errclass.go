// Package errclass tags errors with the kind of failure that produced them and
// the class (retryable or fatal) the sync loop derives from that kind.
//
// Errors are tagged where they are constructed, so callers never need to
// pattern-match on messages to decide whether to retry.
package errclass

import (
	"errors"
	"fmt"
)

// Class represents whether an error should be retried or not.
type Class int

const (
	// Retryable errors are transient: the loop backs off and polls again.
	Retryable Class = iota
	// Fatal errors terminate the loop and the process.
	Fatal
)

// String returns a human-readable name for the class.
func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Kind identifies where a failure came from.
type Kind int

const (
	// KindUnknown is reported for errors that were never tagged.
	KindUnknown Kind = iota
	// KindNetwork covers transport failures: DNS, TLS, connection resets, timeouts.
	KindNetwork
	// KindProtocol covers non-success statuses and responses that do not match the expected schema.
	KindProtocol
	// KindIo covers failures reading or writing the cursor store.
	KindIo
	// KindConfig covers malformed or missing startup configuration.
	KindConfig
)

// String returns the label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindIo:
		return "io"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Class returns the class errors of this kind belong to.
func (k Kind) Class() Class {
	switch k {
	case KindIo, KindConfig:
		return Fatal
	default:
		return Retryable
	}
}

// Error is a tagged error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Network tags err as a transport failure. Returns nil when err is nil.
func Network(op string, err error) error { return newError(KindNetwork, op, err) }

// Protocol tags err as a status or schema failure. Returns nil when err is nil.
func Protocol(op string, err error) error { return newError(KindProtocol, op, err) }

// Io tags err as a cursor storage failure. Returns nil when err is nil.
func Io(op string, err error) error { return newError(KindIo, op, err) }

// Config tags err as a configuration failure. Returns nil when err is nil.
func Config(op string, err error) error { return newError(KindConfig, op, err) }

// Configf builds a configuration error from a format string.
func Configf(format string, args ...any) error {
	return &Error{Kind: KindConfig, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost tagged error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ClassOf classifies err. Untagged errors are treated as retryable so the loop
// does not give up on failures nobody anticipated.
func ClassOf(err error) Class {
	return KindOf(err).Class()
}

// IsFatal reports whether err must terminate the loop.
func IsFatal(err error) bool {
	return err != nil && ClassOf(err) == Fatal
}

// IsRetryable reports whether the loop should back off and try again.
func IsRetryable(err error) bool {
	return err != nil && ClassOf(err) == Retryable
}
