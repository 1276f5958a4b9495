package svc

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"swarmcast/common/control"
	"swarmcast/common/protocol"

	"github.com/juju/errors"
	"github.com/zeromicro/go-zero/core/logx"
)

// ControlPlane accepts one command per connection from the local
// controller and writes back one reply in the same framing.
type ControlPlane struct {
	*protocol.Server
	svcCtx *ServiceContext
}

func InjectControlPlane(svcCtx *ServiceContext) {
	cp := NewControlPlane(svcCtx)
	err := cp.Listen()
	if err != nil {
		logx.Errorf("Failed to listen control plane. %v", err)
		panic(err)
	}
	svcCtx.ControlPlane = cp
}

func NewControlPlane(svcCtx *ServiceContext) *ControlPlane {
	cp := &ControlPlane{svcCtx: svcCtx}
	addr := net.JoinHostPort(svcCtx.Config.ControlHost, strconv.Itoa(svcCtx.Config.ControlPort))
	cp.Server = protocol.NewServer("Control plane", addr, cp.handle)
	return cp
}

func (c *ControlPlane) handle(conn net.Conn) {
	if c.svcCtx.Config.RequestTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.svcCtx.Config.RequestTimeout))
	}
	msg, framing, err := protocol.ReadControl(protocol.NewControlReader(conn))
	if err != nil {
		logx.Debugf("Failed to read control command from %s: %v", conn.RemoteAddr(), err)
		return
	}
	reply := c.Execute(context.Background(), msg)
	if c.svcCtx.Config.RequestTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.svcCtx.Config.RequestTimeout))
	}
	err = protocol.WriteControl(conn, framing, reply)
	if err != nil {
		logx.Debugf("Failed to reply to %s: %v", conn.RemoteAddr(), err)
	}
}

// Execute runs one command line and returns the reply text.
func (c *ControlPlane) Execute(ctx context.Context, line string) string {
	cmd, err := control.Parse(line)
	if err != nil {
		metricControlCommand.Inc("invalid")
		return replyError(err)
	}
	metricControlCommand.Inc(cmd.Name())
	logx.Infof("Control command: %s", cmd)
	reply, err := c.dispatch(ctx, cmd)
	if err != nil {
		logx.Errorf("Command %q failed: %v", line, err)
		return replyError(err)
	}
	return reply
}

func (c *ControlPlane) dispatch(ctx context.Context, cmd control.Command) (string, error) {
	switch cmd := cmd.(type) {
	case *control.SetTracker:
		c.svcCtx.SetTracker(cmd.Addr())
		return "Tracker updated.", nil
	case *control.Seed:
		path, err := filepath.Abs(cmd.Path)
		if err != nil {
			return "", errors.Trace(err)
		}
		f, err := c.svcCtx.Seed(ctx, path)
		if err != nil {
			return "", errors.Trace(err)
		}
		return f.Descriptor.ContentHash.String(), nil
	case *control.Download:
		output, err := filepath.Abs(cmd.Output)
		if err != nil {
			return "", errors.Trace(err)
		}
		_, err = c.svcCtx.Downloader.Begin(cmd.Hash, output)
		if err != nil {
			return "", errors.Trace(err)
		}
		return "Started download for " + cmd.Hash.String(), nil
	case *control.Status:
		if s := c.svcCtx.Sessions.Lookup(cmd.Hash); s != nil {
			return s.Status(), nil
		}
		if f := c.svcCtx.Files.Get(cmd.Hash); f != nil {
			n := f.Descriptor.NumPieces()
			return fmt.Sprintf("Seeding %d/%d", n, n), nil
		}
		return "", errors.NotFoundf("session for %s", cmd.Hash)
	case *control.Ping:
		return "pong", nil
	}
	return "", errors.NotSupportedf("command %s", cmd.Name())
}

func replyError(err error) string {
	return "error: " + err.Error()
}
