package protocol

import (
	"bufio"
	"bytes"
	"net/netip"
	"strings"
	"testing"

	"swarmcast/common/chunk"
	"swarmcast/common/errs"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestPacketFraming(t *testing.T) {
	buf := &bytes.Buffer{}
	req := RequestPiece{Hash: chunk.HashBytes([]byte("foo")), Index: 7}
	body, err := req.MarshalBinary()
	if !assert.NoError(t, err) {
		return
	}
	if !assert.NoError(t, WritePacket(buf, TypeRequestPiece, body)) {
		return
	}
	assert.Equal(t, HeaderSize+len(body), buf.Len())

	typ, got, err := ReadPacket(buf)
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, TypeRequestPiece, typ)
	decoded := RequestPiece{}
	if assert.NoError(t, decoded.UnmarshalBinary(got)) {
		assert.Equal(t, req, decoded)
	}
}

func TestReadPacketRejectsOversizedFrame(t *testing.T) {
	raw := []byte{0xff, 0xff, 0xff, 0xff, byte(TypePiece)}
	_, _, err := ReadPacket(bytes.NewReader(raw))
	assert.True(t, errors.Is(err, errs.ProtocolError))
}

func TestUnmarshalFixedRejectsShortBody(t *testing.T) {
	msg := Announce{}
	err := msg.UnmarshalBinary([]byte{1, 2, 3})
	assert.True(t, errors.Is(err, errs.ProtocolError))
}

func TestPeersMessage(t *testing.T) {
	peers := Peers{
		Size: 4096,
		Peers: []PeerRecord{
			{Addr: netip.MustParseAddrPort("127.0.0.1:9001"), Role: RoleSeeder},
			{Addr: netip.MustParseAddrPort("[::1]:9002"), Role: RoleLeecher},
		},
	}
	body, err := peers.MarshalBinary()
	if !assert.NoError(t, err) {
		return
	}
	decoded := Peers{}
	if assert.NoError(t, decoded.UnmarshalBinary(body)) {
		assert.Equal(t, peers, decoded)
	}

	// a count that cannot fit in the body must not allocate
	bogus := append([]byte{}, body[:8]...)
	bogus = append(bogus, 0xff, 0xff, 0xff, 0xff)
	assert.Error(t, decoded.UnmarshalBinary(bogus))
}

func TestPieceMessage(t *testing.T) {
	piece := Piece{PieceHeader: PieceHeader{Hash: chunk.HashBytes([]byte("x")), Index: 3}, Data: []byte("payload")}
	body, err := piece.MarshalBinary()
	if !assert.NoError(t, err) {
		return
	}
	decoded := Piece{}
	if !assert.NoError(t, decoded.UnmarshalBinary(body)) {
		return
	}
	assert.Equal(t, uint32(3), decoded.Index)
	assert.Equal(t, []byte("payload"), decoded.Data)

	assert.Error(t, decoded.UnmarshalBinary(body[:len(body)-1]))
}

func TestMetadata(t *testing.T) {
	desc, err := chunk.Build(strings.NewReader(strings.Repeat("swarm", 1000)), 1024)
	if !assert.NoError(t, err) {
		return
	}
	body, err := EncodeMetadata(desc)
	if !assert.NoError(t, err) {
		return
	}
	decoded, err := DecodeMetadata(body)
	if assert.NoError(t, err) {
		assert.True(t, desc.Equal(decoded))
	}

	desc.PieceHashes = desc.PieceHashes[1:]
	body, err = EncodeMetadata(desc)
	if !assert.NoError(t, err) {
		return
	}
	_, err = DecodeMetadata(body)
	assert.True(t, errors.Is(err, errs.ProtocolError))
}

func TestControlFraming(t *testing.T) {
	buf := &bytes.Buffer{}
	assert.NoError(t, WriteControl(buf, FramingLength, "seed data.bin"))
	msg, framing, err := ReadControl(bufio.NewReader(buf))
	if assert.NoError(t, err) {
		assert.Equal(t, "seed data.bin", msg)
		assert.Equal(t, FramingLength, framing)
	}

	msg, framing, err = ReadControl(bufio.NewReader(strings.NewReader("tracker 127.0.0.1 8080\r\n")))
	if assert.NoError(t, err) {
		assert.Equal(t, "tracker 127.0.0.1 8080", msg)
		assert.Equal(t, FramingLine, framing)
	}

	msg, _, err = ReadControl(bufio.NewReader(strings.NewReader("ping")))
	if assert.NoError(t, err) {
		assert.Equal(t, "ping", msg)
	}
}
