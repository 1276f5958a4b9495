package protocol

import (
	"bytes"
	"encoding/binary"
	"net/netip"

	"swarmcast/common/chunk"
	"swarmcast/common/errs"

	"github.com/juju/errors"
)

type Role uint8

const (
	RoleSeeder  Role = 1
	RoleLeecher Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleSeeder:
		return "seeder"
	case RoleLeecher:
		return "leecher"
	}
	return "unknown"
}

func (r Role) Valid() bool {
	return r == RoleSeeder || r == RoleLeecher
}

// Announce registers the sender's data-plane port in the swarm of Hash.
// Size is the file size when known, zero otherwise.
type Announce struct {
	Hash chunk.Hash
	Role Role
	Port uint16
	Size uint64
}

type Unregister struct {
	Hash chunk.Hash
	Port uint16
}

// KeepAlive refreshes every swarm entry of the sender's endpoint.
type KeepAlive struct {
	Port uint16
}

// RequestPeers looks up a swarm. Port is the requester's own data-plane port
// so the tracker can leave it out of the answer.
type RequestPeers struct {
	Hash chunk.Hash
	Port uint16
}

type OK struct {
	Count uint32
}

type PeerRecord struct {
	Addr netip.AddrPort
	Role Role
}

type Peers struct {
	Size  uint64
	Peers []PeerRecord
}

type ErrorMessage struct {
	Message string
}

func (m *Announce) MarshalBinary() ([]byte, error)      { return marshalFixed(m) }
func (m *Announce) UnmarshalBinary(data []byte) error   { return unmarshalFixed(data, m) }
func (m *Unregister) MarshalBinary() ([]byte, error)    { return marshalFixed(m) }
func (m *Unregister) UnmarshalBinary(data []byte) error { return unmarshalFixed(data, m) }
func (m *KeepAlive) MarshalBinary() ([]byte, error)     { return marshalFixed(m) }
func (m *KeepAlive) UnmarshalBinary(data []byte) error  { return unmarshalFixed(data, m) }
func (m *RequestPeers) MarshalBinary() ([]byte, error)  { return marshalFixed(m) }
func (m *RequestPeers) UnmarshalBinary(data []byte) error { return unmarshalFixed(data, m) }
func (m *OK) MarshalBinary() ([]byte, error)    { return marshalFixed(m) }
func (m *OK) UnmarshalBinary(data []byte) error { return unmarshalFixed(data, m) }

func (m *Peers) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.BigEndian, m.Size)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(m.Peers)))
	for _, p := range m.Peers {
		err := WriteAddrPort(buf, p.Addr)
		if err != nil {
			return nil, errors.Trace(err)
		}
		buf.WriteByte(byte(p.Role))
	}
	return buf.Bytes(), nil
}

func (m *Peers) UnmarshalBinary(data []byte) error {
	reader := bytes.NewReader(data)
	var count uint32
	err := binary.Read(reader, binary.BigEndian, &m.Size)
	if err != nil {
		return errs.Protocol(errors.Trace(err))
	}
	err = binary.Read(reader, binary.BigEndian, &count)
	if err != nil {
		return errs.Protocol(errors.Trace(err))
	}
	// the smallest record is a 4 byte header, 4 byte ip and the role
	if uint64(count)*9 > uint64(reader.Len()) {
		return errs.Protocolf("peer count %d exceeds body", count)
	}
	m.Peers = make([]PeerRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		addr, err := ReadAddrPort(reader)
		if err != nil {
			return errors.Trace(err)
		}
		role, err := reader.ReadByte()
		if err != nil {
			return errs.Protocol(errors.Trace(err))
		}
		m.Peers = append(m.Peers, PeerRecord{Addr: addr, Role: Role(role)})
	}
	return nil
}

func (m *ErrorMessage) MarshalBinary() ([]byte, error) {
	return []byte(m.Message), nil
}

func (m *ErrorMessage) UnmarshalBinary(data []byte) error {
	m.Message = string(data)
	return nil
}

func marshalFixed(v any) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, binary.Size(v)))
	err := binary.Write(buf, binary.BigEndian, v)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}

func unmarshalFixed(data []byte, v any) error {
	if size := binary.Size(v); size != len(data) {
		return errs.Protocolf("message of %d bytes, want %d", len(data), size)
	}
	err := binary.Read(bytes.NewReader(data), binary.BigEndian, v)
	if err != nil {
		return errs.Protocol(errors.Trace(err))
	}
	return nil
}
