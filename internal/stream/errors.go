package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"motion-relay/internal/wire"
)

var (
	// ErrAuthRejected is logged when the daemon answers 401 to a credentialed retry.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrUnsupportedAuthScheme is logged when a challenge is neither Basic nor Digest.
	ErrUnsupportedAuthScheme = errors.New("unsupported authentication scheme")

	// ErrMalformedHeader closes a session whose headers cannot be parsed.
	ErrMalformedHeader = errors.New("malformed header")

	// ErrConnectionClosed closes a session whose peer hung up.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTimeout closes a session whose socket went quiet.
	ErrTimeout = errors.New("timeout")

	// ErrConnectionRefused is the expected state while the daemon is down. It
	// never counts towards the instability heuristic.
	ErrConnectionRefused = errors.New("connection refused")
)

var taxonomy = []error{
	ErrAuthRejected, ErrUnsupportedAuthScheme, ErrMalformedHeader,
	ErrConnectionClosed, ErrTimeout, ErrConnectionRefused,
}

// classify maps socket and parser errors onto the session taxonomy, keeping
// the original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range taxonomy {
		if errors.Is(err, known) {
			return err
		}
	}

	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return errors.Join(ErrConnectionRefused, err)
	case errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return errors.Join(ErrTimeout, err)
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return errors.Join(ErrConnectionClosed, err)
	case errors.Is(err, wire.ErrHeaderTooLarge),
		errors.Is(err, wire.ErrMalformedHeader):
		return errors.Join(ErrMalformedHeader, err)
	}
	return err
}

// errorKind names an error for metric labels.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrConnectionRefused):
		return "connection_refused"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionClosed):
		return "connection_closed"
	case errors.Is(err, ErrMalformedHeader):
		return "malformed_header"
	case errors.Is(err, ErrAuthRejected):
		return "auth_rejected"
	}
	return "other"
}
