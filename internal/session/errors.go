package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/BWC4WIFE/Trans2Thai/internal/gemini"
)

// ErrorKind classifies failures surfaced to the listener.
type ErrorKind int

const (
	KindConnectivity ErrorKind = iota
	KindProtocol
	KindAuth
	KindResourceExhaustion
	KindUserCancellation
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindResourceExhaustion:
		return "resource_exhaustion"
	case KindUserCancellation:
		return "user_cancellation"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified session failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrMissingAPIKey is raised by connect when settings carry no key.
var ErrMissingAPIKey = errors.New("api key is not set")

// classify maps a transport or dial error to a session error.
func classify(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}

	var pe *gemini.ProtocolError
	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindUserCancellation, Err: err}
	case errors.Is(err, gemini.ErrUnauthorized), errors.Is(err, ErrMissingAPIKey):
		return &Error{Kind: KindAuth, Err: err}
	case errors.As(err, &pe):
		return &Error{Kind: KindProtocol, Err: err}
	}
	return &Error{Kind: KindConnectivity, Err: err}
}

// IsKind reports whether err is a session error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}
