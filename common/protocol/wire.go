package protocol

import (
	"bytes"
	"encoding/binary"

	"swarmcast/common/chunk"
	"swarmcast/common/errs"

	"github.com/juju/errors"
	"github.com/zeebo/bencode"
)

type RequestMetadata struct {
	Hash chunk.Hash
}

type RequestPiece struct {
	Hash  chunk.Hash
	Index uint32
}

// NotAvailable answers a request for data the responder does not hold.
// Index is zero for metadata requests.
type NotAvailable struct {
	Hash  chunk.Hash
	Index uint32
}

type PieceHeader struct {
	Hash   chunk.Hash
	Index  uint32
	Length uint32
}

type Piece struct {
	PieceHeader
	Data []byte
}

func (m *RequestMetadata) MarshalBinary() ([]byte, error)   { return marshalFixed(m) }
func (m *RequestMetadata) UnmarshalBinary(data []byte) error { return unmarshalFixed(data, m) }
func (m *RequestPiece) MarshalBinary() ([]byte, error)      { return marshalFixed(m) }
func (m *RequestPiece) UnmarshalBinary(data []byte) error   { return unmarshalFixed(data, m) }
func (m *NotAvailable) MarshalBinary() ([]byte, error)      { return marshalFixed(m) }
func (m *NotAvailable) UnmarshalBinary(data []byte) error   { return unmarshalFixed(data, m) }

var pieceHeaderSize = binary.Size(PieceHeader{})

func (m *Piece) MarshalBinary() ([]byte, error) {
	m.Length = uint32(len(m.Data))
	buf := bytes.NewBuffer(make([]byte, 0, pieceHeaderSize+len(m.Data)))
	err := binary.Write(buf, binary.BigEndian, m.PieceHeader)
	if err != nil {
		return nil, errors.Trace(err)
	}
	buf.Write(m.Data)
	return buf.Bytes(), nil
}

func (m *Piece) UnmarshalBinary(data []byte) error {
	if len(data) < pieceHeaderSize {
		return errs.Protocolf("piece message of %d bytes", len(data))
	}
	err := binary.Read(bytes.NewReader(data[:pieceHeaderSize]), binary.BigEndian, &m.PieceHeader)
	if err != nil {
		return errs.Protocol(errors.Trace(err))
	}
	if int(m.Length) != len(data)-pieceHeaderSize {
		return errs.Protocolf("piece declares %d bytes, carries %d", m.Length, len(data)-pieceHeaderSize)
	}
	m.Data = data[pieceHeaderSize:]
	return nil
}

// infoDict is the bencoded metadata payload, shaped after a torrent info
// dictionary with the content hash added.
type infoDict struct {
	Hash        string `bencode:"hash"`
	Length      int64  `bencode:"length"`
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
}

func EncodeMetadata(desc *chunk.Descriptor) ([]byte, error) {
	info := infoDict{
		Hash:        string(desc.ContentHash[:]),
		Length:      int64(desc.Size),
		PieceLength: int64(desc.PieceSize),
		Pieces:      string(chunk.JoinHashes(desc.PieceHashes)),
	}
	data, err := bencode.EncodeBytes(info)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return data, nil
}

// DecodeMetadata parses and validates a metadata payload.
func DecodeMetadata(data []byte) (*chunk.Descriptor, error) {
	info := infoDict{}
	err := bencode.DecodeBytes(data, &info)
	if err != nil {
		return nil, errs.Protocol(errors.Annotate(err, "decode metadata"))
	}
	if len(info.Hash) != chunk.HashSize {
		return nil, errs.Protocolf("metadata hash of %d bytes", len(info.Hash))
	}
	if info.Length < 0 || info.PieceLength <= 0 || info.PieceLength > chunk.MaxPieceSize {
		return nil, errs.Protocolf("metadata length %d piece length %d", info.Length, info.PieceLength)
	}
	hashes, err := chunk.SplitHashes([]byte(info.Pieces))
	if err != nil {
		return nil, errors.Trace(err)
	}
	desc := &chunk.Descriptor{
		Size:        uint64(info.Length),
		PieceSize:   uint32(info.PieceLength),
		PieceHashes: hashes,
	}
	copy(desc.ContentHash[:], info.Hash)
	err = desc.Validate()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return desc, nil
}
