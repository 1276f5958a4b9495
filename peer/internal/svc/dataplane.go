package svc

import (
	"io"
	"net"
	"strconv"

	"swarmcast/common/chunk"
	"swarmcast/common/errs"
	"swarmcast/common/protocol"

	"github.com/juju/errors"
	"github.com/zeromicro/go-zero/core/logx"
)

// DataPlane serves metadata and verified pieces to other peers, from seeded
// files and from downloads in progress.
type DataPlane struct {
	*protocol.Server
	svcCtx *ServiceContext
}

func InjectDataPlane(svcCtx *ServiceContext) {
	dp := NewDataPlane(svcCtx)
	err := dp.Listen()
	if err != nil {
		logx.Errorf("Failed to listen data plane. %v", err)
		panic(err)
	}
	svcCtx.DataPlane = dp
}

func NewDataPlane(svcCtx *ServiceContext) *DataPlane {
	dp := &DataPlane{svcCtx: svcCtx}
	addr := net.JoinHostPort(svcCtx.Config.Host, strconv.Itoa(svcCtx.Config.DataPort))
	dp.Server = protocol.NewServer("Data plane", addr, dp.handle)
	return dp
}

func (d *DataPlane) handle(raw net.Conn) {
	conn := protocol.NewConn(raw, d.svcCtx.Config.RequestTimeout)
	for {
		t, body, err := conn.Receive()
		if err == io.EOF {
			return
		}
		if err != nil {
			logx.Debugf("Data connection from %s closed: %v", raw.RemoteAddr(), err)
			return
		}
		rt, rbody, err := d.dispatch(t, body)
		if err != nil {
			metricDataRequest.Inc(t.String(), "error")
			logx.Errorf("Bad %s request from %s: %v", t, raw.RemoteAddr(), err)
			_ = conn.SendError(err)
			return
		}
		err = conn.Send(rt, rbody)
		if err != nil {
			logx.Debugf("Failed to answer %s: %v", raw.RemoteAddr(), err)
			return
		}
		if rt == protocol.TypePiece {
			metricTrafficCounter.Add(float64(len(rbody)), "upload")
		}
	}
}

func (d *DataPlane) dispatch(t protocol.PacketType, body []byte) (protocol.PacketType, []byte, error) {
	switch t {
	case protocol.TypeRequestMetadata:
		req := protocol.RequestMetadata{}
		if err := req.UnmarshalBinary(body); err != nil {
			return 0, nil, err
		}
		desc := d.descriptor(req.Hash)
		if desc == nil {
			metricDataRequest.Inc(t.String(), "not_available")
			return notAvailable(req.Hash, 0)
		}
		rbody, err := protocol.EncodeMetadata(desc)
		if err != nil {
			return 0, nil, errors.Trace(err)
		}
		metricDataRequest.Inc(t.String(), "ok")
		return protocol.TypeMetadata, rbody, nil
	case protocol.TypeRequestPiece:
		req := protocol.RequestPiece{}
		if err := req.UnmarshalBinary(body); err != nil {
			return 0, nil, err
		}
		data, err := d.piece(req.Hash, req.Index)
		if err != nil {
			if !errors.Is(err, errs.NotFoundError) {
				logx.Errorf("Failed to serve piece %d of %s: %v", req.Index, req.Hash, err)
			}
			metricDataRequest.Inc(t.String(), "not_available")
			return notAvailable(req.Hash, req.Index)
		}
		resp := protocol.Piece{
			PieceHeader: protocol.PieceHeader{Hash: req.Hash, Index: req.Index},
			Data:        data,
		}
		rbody, err := resp.MarshalBinary()
		if err != nil {
			return 0, nil, errors.Trace(err)
		}
		metricDataRequest.Inc(t.String(), "ok")
		return protocol.TypePiece, rbody, nil
	}
	return 0, nil, errs.Protocolf("unexpected packet type %d", t)
}

func (d *DataPlane) descriptor(hash chunk.Hash) *chunk.Descriptor {
	if f := d.svcCtx.Files.Get(hash); f != nil {
		return f.Descriptor
	}
	if s := d.svcCtx.Sessions.Get(hash); s != nil {
		return s.Descriptor()
	}
	return nil
}

func (d *DataPlane) piece(hash chunk.Hash, index uint32) ([]byte, error) {
	if f := d.svcCtx.Files.Get(hash); f != nil {
		return f.ReadPiece(index)
	}
	if s := d.svcCtx.Sessions.Get(hash); s != nil {
		if data, ok := s.VerifiedPiece(index); ok {
			return data, nil
		}
	}
	return nil, errors.NotFoundf("piece %d of %s", index, hash)
}

func notAvailable(hash chunk.Hash, index uint32) (protocol.PacketType, []byte, error) {
	resp := protocol.NotAvailable{Hash: hash, Index: index}
	body, err := resp.MarshalBinary()
	return protocol.TypeNotAvailable, body, err
}
