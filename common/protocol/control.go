package protocol

import (
	"bufio"
	"encoding/binary"
	"io"
	"strings"

	"swarmcast/common/errs"

	"github.com/juju/errors"
)

// Framing of a control-plane exchange. The response uses the framing of the
// request.
type Framing int

const (
	// FramingLength is a little-endian uint32 length followed by the text.
	FramingLength Framing = iota
	// FramingLine is newline-terminated text.
	FramingLine
)

const MaxControlSize = 64 * 1024

// NewControlReader sizes the buffer so a line command fits in it.
func NewControlReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, MaxControlSize)
}

// ReadControl reads one command. A length prefix for any legal command has a
// zero fourth byte while a text line never does, which tells the two
// framings apart.
func ReadControl(r *bufio.Reader) (string, Framing, error) {
	head, err := r.Peek(4)
	if len(head) == 4 && head[3] == 0 {
		return readLengthPrefixed(r)
	}
	if len(head) == 0 && err != nil {
		return "", FramingLine, errs.Network(errors.Trace(err))
	}
	line, err := r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return "", FramingLine, errs.Protocolf("control line exceeds %d bytes", MaxControlSize)
	}
	if err != nil && err != io.EOF {
		return "", FramingLine, errs.Network(errors.Trace(err))
	}
	return strings.TrimRight(string(line), "\r\n"), FramingLine, nil
}

func readLengthPrefixed(r io.Reader) (string, Framing, error) {
	var length uint32
	err := binary.Read(r, binary.LittleEndian, &length)
	if err != nil {
		return "", FramingLength, errs.Network(errors.Trace(err))
	}
	if length > MaxControlSize {
		return "", FramingLength, errs.Protocolf("control message of %d bytes", length)
	}
	buf := make([]byte, length)
	_, err = io.ReadFull(r, buf)
	if err != nil {
		return "", FramingLength, errs.Network(errors.Trace(err))
	}
	return string(buf), FramingLength, nil
}

func WriteControl(w io.Writer, framing Framing, msg string) error {
	var err error
	switch framing {
	case FramingLength:
		err = binary.Write(w, binary.LittleEndian, uint32(len(msg)))
		if err == nil {
			_, err = io.WriteString(w, msg)
		}
	case FramingLine:
		_, err = io.WriteString(w, msg+"\n")
	default:
		return errors.NotValidf("framing %d", framing)
	}
	if err != nil {
		return errs.Network(errors.Trace(err))
	}
	return nil
}
