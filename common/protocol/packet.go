package protocol

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"swarmcast/common/errs"

	"github.com/juju/errors"
)

type PacketType uint8

const (
	TypeAnnounce     PacketType = 1
	TypeKeepAlive    PacketType = 2
	TypeRequestPeers PacketType = 3
	TypeUnregister   PacketType = 6

	TypeRequestPiece PacketType = 10
	TypePiece        PacketType = 11
	TypeNotAvailable PacketType = 12

	TypePeers PacketType = 20
	TypeOK    PacketType = 21
	TypeError PacketType = 22

	TypeRequestMetadata PacketType = 30
	TypeMetadata        PacketType = 31
)

func (t PacketType) String() string {
	switch t {
	case TypeAnnounce:
		return "announce"
	case TypeKeepAlive:
		return "keep_alive"
	case TypeRequestPeers:
		return "request_peers"
	case TypeUnregister:
		return "unregister"
	case TypeRequestPiece:
		return "request_piece"
	case TypePiece:
		return "piece"
	case TypeNotAvailable:
		return "not_available"
	case TypePeers:
		return "peers"
	case TypeOK:
		return "ok"
	case TypeError:
		return "error"
	case TypeRequestMetadata:
		return "request_metadata"
	case TypeMetadata:
		return "metadata"
	}
	return "unknown"
}

// MaxBodySize bounds any single frame: one max-size piece plus its header.
const MaxBodySize = 16*1024*1024 + 64

var HeaderSize = binary.Size(Header{})

type Header struct {
	Length uint32
	Type   PacketType
}

func WritePacket(w io.Writer, t PacketType, body []byte) error {
	hdr := Header{Length: uint32(len(body)), Type: t}
	err := binary.Write(w, binary.BigEndian, hdr)
	if err != nil {
		return errs.Network(errors.Trace(err))
	}
	if len(body) == 0 {
		return nil
	}
	_, err = w.Write(body)
	if err != nil {
		return errs.Network(errors.Trace(err))
	}
	return nil
}

// ReadPacket reads one frame. io.EOF is returned untouched when the peer
// closed the connection cleanly between frames.
func ReadPacket(r io.Reader) (PacketType, []byte, error) {
	hdr := Header{}
	err := binary.Read(r, binary.BigEndian, &hdr)
	if err == io.EOF {
		return 0, nil, err
	}
	if err != nil {
		return 0, nil, errs.Network(errors.Trace(err))
	}
	if hdr.Length > MaxBodySize {
		return 0, nil, errs.Protocolf("frame of %d bytes exceeds limit", hdr.Length)
	}
	body := make([]byte, hdr.Length)
	_, err = io.ReadFull(r, body)
	if err != nil {
		return 0, nil, errs.Network(errors.Trace(err))
	}
	return hdr.Type, body, nil
}

// Conn applies a deadline to every frame read or written.
type Conn struct {
	net.Conn
	Timeout time.Duration
}

func NewConn(conn net.Conn, timeout time.Duration) *Conn {
	return &Conn{Conn: conn, Timeout: timeout}
}

func (c *Conn) Send(t PacketType, body []byte) error {
	if c.Timeout > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(c.Timeout))
	}
	return WritePacket(c.Conn, t, body)
}

func (c *Conn) Receive() (PacketType, []byte, error) {
	if c.Timeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(c.Timeout))
	}
	return ReadPacket(c.Conn)
}

// Roundtrip sends one request and waits for its response. A TypeError
// response is turned into an error carrying the remote message.
func (c *Conn) Roundtrip(t PacketType, body []byte) (PacketType, []byte, error) {
	err := c.Send(t, body)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	rt, rbody, err := c.Receive()
	if err == io.EOF {
		return 0, nil, errs.Network(errors.Errorf("connection closed by %s", c.RemoteAddr()))
	}
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	if rt == TypeError {
		msg := ErrorMessage{}
		if err := msg.UnmarshalBinary(rbody); err != nil {
			return 0, nil, errors.Trace(err)
		}
		return 0, nil, errors.Errorf("remote error: %s", msg.Message)
	}
	return rt, rbody, nil
}

func (c *Conn) SendError(err error) error {
	msg := ErrorMessage{Message: err.Error()}
	body, _ := msg.MarshalBinary()
	return c.Send(TypeError, body)
}
