// Package errs holds the error kinds shared by the tracker and the peer
// daemon. A kind is attached to an existing error with errors.WithType and
// checked with errors.Is, so tracing and annotation keep the kind intact.
package errs

import "github.com/juju/errors"

const (
	// IOError is a local filesystem failure.
	IOError = errors.ConstError("io error")
	// NetworkError covers connect, read, write and timeout failures.
	NetworkError = errors.ConstError("network error")
	// ProtocolError is a malformed control or wire message.
	ProtocolError = errors.ConstError("protocol error")
	// IntegrityError is a piece or whole-file digest mismatch.
	IntegrityError = errors.ConstError("integrity error")
	// NotFoundError is an unknown hash or an empty swarm.
	NotFoundError = errors.NotFound
)

func IO(err error) error {
	return with(err, IOError)
}

func Network(err error) error {
	return with(err, NetworkError)
}

func Protocol(err error) error {
	return with(err, ProtocolError)
}

func with(err error, kind errors.ConstError) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return errors.WithType(err, kind)
}

// Protocolf builds a new ProtocolError.
func Protocolf(format string, args ...any) error {
	return errors.WithType(errors.Errorf(format, args...), ProtocolError)
}

// Integrityf builds a new IntegrityError.
func Integrityf(format string, args ...any) error {
	return errors.WithType(errors.Errorf(format, args...), IntegrityError)
}

// Kind names the first matching kind of err, for logs and status lines.
func Kind(err error) string {
	for _, kind := range []errors.ConstError{IOError, NetworkError, ProtocolError, IntegrityError, NotFoundError} {
		if errors.Is(err, kind) {
			return string(kind)
		}
	}
	return "error"
}
