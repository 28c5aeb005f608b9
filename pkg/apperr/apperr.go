// Package apperr defines the error kinds surfaced by the videomusic client.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how it must be handled.
type Kind int

const (
	Unknown Kind = iota
	// NotConnected means a command was attempted while the channel was not connected.
	NotConnected
	// Validation means a request was rejected before being sent.
	Validation
	// ChannelDecode means an inbound frame could not be decoded. It never leaves the channel.
	ChannelDecode
	// Remote means the server reported an error event.
	Remote
	// Fetch means a request/response API call failed.
	Fetch
	// AuthRequired means a token was required but none was available.
	AuthRequired
)

func (k Kind) String() string {
	switch k {
	case NotConnected:
		return "not_connected"
	case Validation:
		return "validation"
	case ChannelDecode:
		return "channel_decode"
	case Remote:
		return "remote"
	case Fetch:
		return "fetch"
	case AuthRequired:
		return "auth_required"
	default:
		return "unknown"
	}
}

// Sentinels to match with errors.Is.
var (
	ErrNotConnected  = &Error{Kind: NotConnected}
	ErrValidation    = &Error{Kind: Validation}
	ErrChannelDecode = &Error{Kind: ChannelDecode}
	ErrRemote        = &Error{Kind: Remote}
	ErrFetch         = &Error{Kind: Fetch}
	ErrAuthRequired  = &Error{Kind: AuthRequired}
)

// Error is a typed failure carrying a message suitable for display.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// New returns an error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap returns an error of the given kind wrapping err.
func Wrap(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	s := e.Msg
	if s == "" {
		s = defaultMessage(e.Kind)
	}
	if e.Op != "" {
		s = fmt.Sprintf("%s: %s", e.Op, s)
	}
	if e.Err != nil {
		s = fmt.Sprintf("%s: %v", s, e.Err)
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Message returns a human readable description of err for direct display.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	msg := e.Msg
	if msg == "" {
		msg = defaultMessage(e.Kind)
	}
	if e.Kind == Fetch && e.Err != nil {
		return fmt.Sprintf("%s (%v)", msg, e.Err)
	}
	return msg
}

func defaultMessage(k Kind) string {
	switch k {
	case NotConnected:
		return "no connection to the server"
	case Validation:
		return "invalid request"
	case ChannelDecode:
		return "malformed message from server"
	case Remote:
		return "the server reported an error"
	case Fetch:
		return "couldn't reach the server"
	case AuthRequired:
		return "authentication required, log in first"
	default:
		return "unexpected error"
	}
}
