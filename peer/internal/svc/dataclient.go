package svc

import (
	"context"
	"net/netip"
	"time"

	"swarmcast/common/chunk"
	"swarmcast/common/errs"
	"swarmcast/common/protocol"

	"github.com/juju/errors"
	"golang.org/x/net/proxy"
)

// DataClient fetches from other peers' data planes, one connection per
// request.
type DataClient struct {
	dialer  proxy.ContextDialer
	timeout time.Duration
}

func NewDataClient(dialer proxy.ContextDialer, timeout time.Duration) *DataClient {
	return &DataClient{dialer: dialer, timeout: timeout}
}

// FetchMetadata returns the descriptor for hash held by peer. The
// descriptor must be valid and match hash.
func (c *DataClient) FetchMetadata(ctx context.Context, peer netip.AddrPort, hash chunk.Hash) (*chunk.Descriptor, error) {
	req := protocol.RequestMetadata{Hash: hash}
	body, err := req.MarshalBinary()
	if err != nil {
		return nil, errors.Trace(err)
	}
	t, rbody, err := c.roundtrip(ctx, peer, protocol.TypeRequestMetadata, body)
	if err != nil {
		return nil, errors.Trace(err)
	}
	switch t {
	case protocol.TypeMetadata:
	case protocol.TypeNotAvailable:
		return nil, errors.NotFoundf("metadata of %s at %s", hash, peer)
	default:
		return nil, errs.Protocolf("peer %s answered %s to metadata request", peer, t)
	}
	desc, err := protocol.DecodeMetadata(rbody)
	if err != nil {
		return nil, errors.Annotatef(err, "metadata from %s", peer)
	}
	if desc.ContentHash != hash {
		return nil, errs.Protocolf("peer %s sent metadata of %s for %s", peer, desc.ContentHash, hash)
	}
	return desc, nil
}

// FetchPiece returns the raw piece data. The caller verifies it.
func (c *DataClient) FetchPiece(ctx context.Context, peer netip.AddrPort, hash chunk.Hash, index uint32) ([]byte, error) {
	req := protocol.RequestPiece{Hash: hash, Index: index}
	body, err := req.MarshalBinary()
	if err != nil {
		return nil, errors.Trace(err)
	}
	t, rbody, err := c.roundtrip(ctx, peer, protocol.TypeRequestPiece, body)
	if err != nil {
		return nil, errors.Trace(err)
	}
	switch t {
	case protocol.TypePiece:
	case protocol.TypeNotAvailable:
		return nil, errors.NotFoundf("piece %d of %s at %s", index, hash, peer)
	default:
		return nil, errs.Protocolf("peer %s answered %s to piece request", peer, t)
	}
	resp := protocol.Piece{}
	err = resp.UnmarshalBinary(rbody)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if resp.Hash != hash || resp.Index != index {
		return nil, errs.Protocolf("peer %s sent piece %d of %s, asked for %d", peer, resp.Index, resp.Hash, index)
	}
	metricTrafficCounter.Add(float64(len(resp.Data)), "download")
	return resp.Data, nil
}

func (c *DataClient) roundtrip(ctx context.Context, peer netip.AddrPort, t protocol.PacketType, body []byte) (protocol.PacketType, []byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	raw, err := c.dialer.DialContext(ctx, "tcp", peer.String())
	if err != nil {
		return 0, nil, errs.Network(errors.Annotatef(err, "dial peer %s", peer))
	}
	defer raw.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
	}
	conn := protocol.NewConn(raw, c.timeout)
	rt, rbody, err := conn.Roundtrip(t, body)
	if err != nil {
		return 0, nil, errs.Network(errors.Annotatef(err, "peer %s", peer))
	}
	return rt, rbody, nil
}
