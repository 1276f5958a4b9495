package control

import (
	"context"
	"net"
	"time"

	"swarmcast/common/errs"
	"swarmcast/common/protocol"

	"github.com/juju/errors"
)

// Send delivers one command to a control port and returns the reply text.
func Send(ctx context.Context, addr string, cmd string, timeout time.Duration) (string, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", errs.Network(errors.Annotatef(err, "dial control %s", addr))
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	err = protocol.WriteControl(conn, protocol.FramingLength, cmd)
	if err != nil {
		return "", errs.Network(errors.Trace(err))
	}
	reply, _, err := protocol.ReadControl(protocol.NewControlReader(conn))
	if err != nil {
		return "", errs.Network(errors.Trace(err))
	}
	return reply, nil
}
