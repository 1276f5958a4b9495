package swarm

import (
	"context"
	"net"
	"time"

	"swarmcast/common/chunk"
	"swarmcast/common/errs"
	"swarmcast/common/protocol"

	"github.com/juju/errors"
	"golang.org/x/net/proxy"
)

// Client talks to one tracker. Every call uses its own short connection.
type Client struct {
	addr    string
	dialer  proxy.ContextDialer
	timeout time.Duration
}

func NewClient(addr string, dialer proxy.ContextDialer, timeout time.Duration) *Client {
	if dialer == nil {
		dialer = &net.Dialer{Timeout: timeout}
	}
	return &Client{addr: addr, dialer: dialer, timeout: timeout}
}

func (c *Client) Addr() string {
	return c.addr
}

type LookupResult struct {
	Size  uint64
	Peers []protocol.PeerRecord
}

func (c *Client) Announce(ctx context.Context, hash chunk.Hash, role protocol.Role, port uint16, size uint64) error {
	req := protocol.Announce{Hash: hash, Role: role, Port: port, Size: size}
	_, err := c.call(ctx, protocol.TypeAnnounce, &req, protocol.TypeOK)
	return errors.Trace(err)
}

func (c *Client) RegisterSeeder(ctx context.Context, hash chunk.Hash, port uint16, size uint64) error {
	return c.Announce(ctx, hash, protocol.RoleSeeder, port, size)
}

func (c *Client) RegisterLeecher(ctx context.Context, hash chunk.Hash, port uint16) error {
	return c.Announce(ctx, hash, protocol.RoleLeecher, port, 0)
}

func (c *Client) Unregister(ctx context.Context, hash chunk.Hash, port uint16) error {
	req := protocol.Unregister{Hash: hash, Port: port}
	_, err := c.call(ctx, protocol.TypeUnregister, &req, protocol.TypeOK)
	return errors.Trace(err)
}

// KeepAlive returns the number of swarm entries the tracker refreshed.
func (c *Client) KeepAlive(ctx context.Context, port uint16) (uint32, error) {
	req := protocol.KeepAlive{Port: port}
	body, err := c.call(ctx, protocol.TypeKeepAlive, &req, protocol.TypeOK)
	if err != nil {
		return 0, errors.Trace(err)
	}
	resp := protocol.OK{}
	err = resp.UnmarshalBinary(body)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return resp.Count, nil
}

// LookupPeers lists the swarm of hash without the caller's own endpoint.
// An unknown hash is an empty result, not an error.
func (c *Client) LookupPeers(ctx context.Context, hash chunk.Hash, port uint16) (*LookupResult, error) {
	req := protocol.RequestPeers{Hash: hash, Port: port}
	body, err := c.call(ctx, protocol.TypeRequestPeers, &req, protocol.TypePeers)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp := protocol.Peers{}
	err = resp.UnmarshalBinary(body)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &LookupResult{Size: resp.Size, Peers: resp.Peers}, nil
}

type binaryMessage interface {
	MarshalBinary() ([]byte, error)
}

func (c *Client) call(ctx context.Context, t protocol.PacketType, req binaryMessage, want protocol.PacketType) ([]byte, error) {
	body, err := req.MarshalBinary()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	raw, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, errs.Network(errors.Annotatef(err, "dial tracker %s", c.addr))
	}
	defer raw.Close()
	conn := protocol.NewConn(raw, c.timeout)
	rt, rbody, err := conn.Roundtrip(t, body)
	if err != nil {
		return nil, errors.Annotatef(err, "tracker %s %s", c.addr, t)
	}
	if rt != want {
		return nil, errs.Protocolf("tracker answered %s to %s", rt, t)
	}
	return rbody, nil
}
