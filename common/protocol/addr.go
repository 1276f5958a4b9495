package protocol

import (
	"encoding/binary"
	"io"
	"net/netip"

	"swarmcast/common/errs"

	"github.com/juju/errors"
)

const (
	AddrTypeIPv4 = 0x01
	AddrTypeIPv6 = 0x02
)

type AddrHeader struct {
	AddrType byte
	AddrLen  uint8
	Port     uint16
}

func (h *AddrHeader) SetAddr(addr netip.AddrPort) []byte {
	ip := addr.Addr().Unmap()
	if ip.Is4() {
		h.AddrType = AddrTypeIPv4
	} else {
		h.AddrType = AddrTypeIPv6
	}
	h.Port = addr.Port()
	raw := ip.AsSlice()
	h.AddrLen = uint8(len(raw))
	return raw
}

func (h *AddrHeader) ReadAddrPort(reader io.Reader) (addrPort netip.AddrPort, err error) {
	switch h.AddrType {
	case AddrTypeIPv4, AddrTypeIPv6:
	default:
		err = errs.Protocolf("unsupported addr type %d", h.AddrType)
		return
	}
	rawAddr := make([]byte, h.AddrLen)
	_, err = io.ReadFull(reader, rawAddr)
	if err != nil {
		err = errs.Protocol(errors.Trace(err))
		return
	}
	addr, ok := netip.AddrFromSlice(rawAddr)
	if !ok {
		err = errs.Protocolf("illegal addr of %d bytes", h.AddrLen)
		return
	}
	addrPort = netip.AddrPortFrom(addr, h.Port)
	return
}

func WriteAddrPort(w io.Writer, addr netip.AddrPort) error {
	hdr := AddrHeader{}
	raw := hdr.SetAddr(addr)
	err := binary.Write(w, binary.BigEndian, hdr)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = w.Write(raw)
	return errors.Trace(err)
}

func ReadAddrPort(r io.Reader) (netip.AddrPort, error) {
	hdr := AddrHeader{}
	err := binary.Read(r, binary.BigEndian, &hdr)
	if err != nil {
		return netip.AddrPort{}, errs.Protocol(errors.Trace(err))
	}
	return hdr.ReadAddrPort(r)
}
