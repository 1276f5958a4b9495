package chunk

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"swarmcast/common/errs"

	"github.com/juju/errors"
)

const (
	HashSize         = sha256.Size
	DefaultPieceSize = 256 * 1024
	MaxPieceSize     = 16 * 1024 * 1024
)

type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash accepts exactly 64 hex characters.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != 2*HashSize {
		return h, errors.NotValidf("hash %q (want %d hex chars)", s, 2*HashSize)
	}
	_, err := hex.Decode(h[:], []byte(s))
	if err != nil {
		return h, errors.NotValidf("hash %q", s)
	}
	return h, nil
}

func HashBytes(data []byte) Hash {
	return sha256.Sum256(data)
}

// Descriptor is the immutable piece layout of one file.
type Descriptor struct {
	ContentHash Hash
	Size        uint64
	PieceSize   uint32
	PieceHashes []Hash
}

func (d *Descriptor) NumPieces() uint32 {
	return uint32(len(d.PieceHashes))
}

func (d *Descriptor) PieceOffset(index uint32) int64 {
	return int64(index) * int64(d.PieceSize)
}

// PieceLength is PieceSize for every piece but the last.
func (d *Descriptor) PieceLength(index uint32) uint32 {
	if index >= d.NumPieces() {
		return 0
	}
	rest := d.Size - uint64(d.PieceOffset(index))
	if rest < uint64(d.PieceSize) {
		return uint32(rest)
	}
	return d.PieceSize
}

func (d *Descriptor) VerifyPiece(index uint32, data []byte) bool {
	if index >= d.NumPieces() || uint32(len(data)) != d.PieceLength(index) {
		return false
	}
	return HashBytes(data) == d.PieceHashes[index]
}

// Validate checks that the piece count matches size and piece size.
func (d *Descriptor) Validate() error {
	if d.PieceSize == 0 || d.PieceSize > MaxPieceSize {
		return errs.Protocolf("illegal piece size %d", d.PieceSize)
	}
	want := (d.Size + uint64(d.PieceSize) - 1) / uint64(d.PieceSize)
	if uint64(len(d.PieceHashes)) != want {
		return errs.Protocolf("descriptor has %d pieces, size %d needs %d", len(d.PieceHashes), d.Size, want)
	}
	return nil
}

func (d *Descriptor) Equal(other *Descriptor) bool {
	if d.ContentHash != other.ContentHash || d.Size != other.Size || d.PieceSize != other.PieceSize {
		return false
	}
	if len(d.PieceHashes) != len(other.PieceHashes) {
		return false
	}
	for i := range d.PieceHashes {
		if d.PieceHashes[i] != other.PieceHashes[i] {
			return false
		}
	}
	return true
}

// Describe hashes the file at path. An unreadable file yields an IOError and
// no descriptor.
func Describe(path string, pieceSize uint32) (*Descriptor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errs.IO(errors.Annotatef(err, "open %s", path))
	}
	defer file.Close()
	desc, err := Build(file, pieceSize)
	if err != nil {
		return nil, errors.Annotatef(err, "describe %s", path)
	}
	return desc, nil
}

// Build reads r once, hashing every piece and the whole stream.
func Build(r io.Reader, pieceSize uint32) (*Descriptor, error) {
	if pieceSize == 0 || pieceSize > MaxPieceSize {
		return nil, errors.NotValidf("piece size %d", pieceSize)
	}
	desc := &Descriptor{PieceSize: pieceSize}
	whole := sha256.New()
	buf := make([]byte, pieceSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			whole.Write(buf[:n])
			desc.PieceHashes = append(desc.PieceHashes, HashBytes(buf[:n]))
			desc.Size += uint64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, errs.IO(errors.Trace(err))
		}
	}
	copy(desc.ContentHash[:], whole.Sum(nil))
	return desc, nil
}

// ContentHashOf hashes an in-memory piece sequence in order.
func ContentHashOf(pieces [][]byte) Hash {
	h := sha256.New()
	for _, p := range pieces {
		h.Write(p)
	}
	var ret Hash
	copy(ret[:], h.Sum(nil))
	return ret
}

// JoinHashes concatenates piece hashes, the layout used on the wire.
func JoinHashes(hashes []Hash) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(hashes)*HashSize))
	for _, h := range hashes {
		buf.Write(h[:])
	}
	return buf.Bytes()
}

func SplitHashes(raw []byte) ([]Hash, error) {
	if len(raw)%HashSize != 0 {
		return nil, errs.Protocolf("piece hashes length %d not a multiple of %d", len(raw), HashSize)
	}
	hashes := make([]Hash, len(raw)/HashSize)
	for i := range hashes {
		copy(hashes[i][:], raw[i*HashSize:])
	}
	return hashes, nil
}
