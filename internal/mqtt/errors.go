package mqtt

import (
	"errors"
	"io"
	"net"
	"os"
)

var (
	// ErrProtocol marks a malformed or out-of-order packet. The connection is dropped.
	ErrProtocol = errors.New("protocol error")
	// ErrAuth marks rejected credentials or an unacceptable CONNECT.
	ErrAuth = errors.New("authentication error")
	// ErrCapacityExceeded marks a full session queue.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrTimeout marks a keepalive or acknowledgment timeout.
	ErrTimeout = errors.New("timeout")
	// ErrTransport marks an I/O failure of the underlying byte stream.
	ErrTransport = errors.New("transport error")
)

// ClassifyReadError maps an error returned while reading a packet onto the
// error taxonomy. Errors already classified are returned as is.
func ClassifyReadError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrAuth),
		errors.Is(err, ErrTimeout), errors.Is(err, ErrTransport),
		errors.Is(err, ErrCapacityExceeded):
		return err
	case os.IsTimeout(err):
		return errors.Join(ErrTimeout, err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return errors.Join(ErrProtocol, err)
	default:
		return errors.Join(ErrTransport, err)
	}
}

// IsClosed reports whether err comes from a peer closing the stream or from
// a locally closed connection.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
