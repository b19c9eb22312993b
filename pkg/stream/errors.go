package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrClientGone is wrapped by transports when the client has gone away.
var ErrClientGone = errors.New("stream: client gone")

// IsDisconnect reports whether err means the client went away, which ends a
// subscription cleanly rather than as a failure.
//
// Typed signals are checked first: ErrClientGone, io.EOF, io.ErrClosedPipe,
// net.ErrClosed, context.Canceled, EPIPE and ECONNRESET. Matching on the
// message text is only a fallback for errors that lost their type.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClientGone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}
