package swarm

import (
	"io"
	"net"
	"net/netip"
	"time"

	"swarmcast/common/errs"
	"swarmcast/common/protocol"

	"github.com/juju/errors"
	"github.com/zeromicro/go-zero/core/logx"
)

type EventFunc func(event string)

type ServerOptions struct {
	Listen      string
	IdleTimeout time.Duration
}

// Server exposes a Registry over the tracker protocol. A connection may
// carry any number of requests, each answered before the next is read.
type Server struct {
	*protocol.Server
	options  ServerOptions
	registry *Registry
	onEvent  EventFunc
}

func NewServer(options ServerOptions, registry *Registry) *Server {
	s := &Server{
		options:  options,
		registry: registry,
	}
	s.Server = protocol.NewServer("Tracker", options.Listen, s.handle)
	return s
}

// SetEventFunc must be called before Serve.
func (s *Server) SetEventFunc(f EventFunc) {
	s.onEvent = f
}

func (s *Server) event(name string) {
	if s.onEvent != nil {
		s.onEvent(name)
	}
}

func (s *Server) handle(raw net.Conn) {
	remote, err := netip.ParseAddrPort(raw.RemoteAddr().String())
	if err != nil {
		logx.Errorf("Illegal remote addr %s: %+v", raw.RemoteAddr(), err)
		return
	}
	conn := protocol.NewConn(raw, s.options.IdleTimeout)
	for {
		t, body, err := conn.Receive()
		if err == io.EOF {
			return
		}
		if err != nil {
			logx.Debugf("Tracker connection from %s closed: %v", remote, err)
			return
		}
		rt, rbody, err := s.dispatch(remote.Addr().Unmap(), t, body)
		if err != nil {
			s.event("protocol_error")
			logx.Errorf("Bad %s request from %s: %v", t, remote, err)
			_ = conn.SendError(err)
			return
		}
		err = conn.Send(rt, rbody)
		if err != nil {
			logx.Debugf("Failed to answer %s: %v", remote, err)
			return
		}
	}
}

func (s *Server) dispatch(ip netip.Addr, t protocol.PacketType, body []byte) (protocol.PacketType, []byte, error) {
	s.event(t.String())
	switch t {
	case protocol.TypeAnnounce:
		req := protocol.Announce{}
		if err := req.UnmarshalBinary(body); err != nil {
			return 0, nil, err
		}
		if !req.Role.Valid() || req.Port == 0 {
			return 0, nil, errs.Protocolf("illegal announce role %d port %d", req.Role, req.Port)
		}
		endpoint := netip.AddrPortFrom(ip, req.Port)
		s.registry.Register(req.Hash, endpoint, req.Role, req.Size)
		logx.Infof("Registered %s %s for %s", req.Role, endpoint, req.Hash)
		return ok(1)
	case protocol.TypeUnregister:
		req := protocol.Unregister{}
		if err := req.UnmarshalBinary(body); err != nil {
			return 0, nil, err
		}
		endpoint := netip.AddrPortFrom(ip, req.Port)
		if s.registry.Unregister(req.Hash, endpoint) {
			logx.Infof("Unregistered %s from %s", endpoint, req.Hash)
			return ok(1)
		}
		return ok(0)
	case protocol.TypeKeepAlive:
		req := protocol.KeepAlive{}
		if err := req.UnmarshalBinary(body); err != nil {
			return 0, nil, err
		}
		count := s.registry.Touch(netip.AddrPortFrom(ip, req.Port))
		return ok(uint32(count))
	case protocol.TypeRequestPeers:
		req := protocol.RequestPeers{}
		if err := req.UnmarshalBinary(body); err != nil {
			return 0, nil, err
		}
		members, size := s.registry.LookupPeers(req.Hash, netip.AddrPortFrom(ip, req.Port))
		resp := protocol.Peers{Size: size, Peers: make([]protocol.PeerRecord, 0, len(members))}
		for _, m := range members {
			resp.Peers = append(resp.Peers, protocol.PeerRecord{Addr: m.Endpoint, Role: m.Role})
		}
		rbody, err := resp.MarshalBinary()
		if err != nil {
			return 0, nil, errors.Trace(err)
		}
		logx.Debugf("Returned %d peers for %s", len(resp.Peers), req.Hash)
		return protocol.TypePeers, rbody, nil
	}
	return 0, nil, errs.Protocolf("unexpected packet type %d", t)
}

func ok(count uint32) (protocol.PacketType, []byte, error) {
	resp := protocol.OK{Count: count}
	body, err := resp.MarshalBinary()
	return protocol.TypeOK, body, err
}
