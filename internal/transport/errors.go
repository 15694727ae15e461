package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/chatmesh/meshd/internal/protocol"
)

var (
	ErrTimeout           = errors.New("transport timeout")
	ErrIO                = errors.New("transport i/o error")
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrMalformedResponse = errors.New("malformed response")
	ErrInvalidAddress    = errors.New("invalid address")
)

// Error describes a failed call to one peer. Kinds holds the sentinel
// errors it matches with errors.Is.
type Error struct {
	Op    string
	Addr  string
	Kinds []error
	Err   error
}

func (e *Error) Error() string {
	kinds := make([]string, 0, len(e.Kinds))
	for _, k := range e.Kinds {
		kinds = append(kinds, k.Error())
	}
	msg := fmt.Sprintf("%s %s: %s", e.Op, e.Addr, strings.Join(kinds, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := append([]error{}, e.Kinds...)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// IsUnreachable reports whether err means the peer could not be talked to,
// as opposed to the peer refusing us.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrTimeout) || (errors.Is(err, ErrIO) && !errors.Is(err, ErrMalformedResponse))
}

func classify(ctx context.Context, op, addr string, err error) *Error {
	e := &Error{Op: op, Addr: addr, Err: err}

	switch {
	case errors.Is(err, protocol.ErrEmptyMessage), errors.Is(err, protocol.ErrMalformedMessage):
		e.Kinds = []error{ErrMalformedResponse, ErrIO}
	case isTimeout(err), errors.Is(ctx.Err(), context.DeadlineExceeded):
		e.Kinds = []error{ErrTimeout}
	default:
		e.Kinds = []error{ErrIO}
	}

	if op == "handshake" && !errors.Is(e, ErrTimeout) && errors.Is(e, ErrMalformedResponse) {
		e.Kinds = []error{ErrHandshakeRejected, ErrMalformedResponse}
	}
	return e
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
