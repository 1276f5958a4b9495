package svc

import (
	"testing"
	"time"

	"swarmcast/common/chunk"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestSessionPieceLifecycle(t *testing.T) {
	pieces := [][]byte{[]byte("abcd"), []byte("ef")}
	desc := &chunk.Descriptor{
		ContentHash: chunk.ContentHashOf(pieces),
		Size:        6,
		PieceSize:   4,
		PieceHashes: []chunk.Hash{chunk.HashBytes(pieces[0]), chunk.HashBytes(pieces[1])},
	}
	s := NewSession(desc.ContentHash, "out.bin")
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "Discovering 0/0", s.Status())
	assert.False(t, s.complete())

	assert.NoError(t, s.setDescriptor(desc))
	assert.Error(t, s.setDescriptor(desc))

	noSkip := func(uint32) bool { return false }
	index, ok := s.nextMissing(noSkip)
	assert.True(t, ok)
	assert.Equal(t, uint32(0), index)
	assert.True(t, s.markRequested(0))
	assert.False(t, s.markRequested(0))

	index, _ = s.nextMissing(noSkip)
	assert.Equal(t, uint32(1), index)
	_, ok = s.nextMissing(func(i uint32) bool { return i == 1 })
	assert.False(t, ok)

	s.markReceived(0, []byte("abcX"))
	_, ok = s.VerifiedPiece(0)
	assert.False(t, ok)
	s.markMissing(0)
	index, _ = s.nextMissing(noSkip)
	assert.Equal(t, uint32(0), index)

	for i, p := range pieces {
		assert.True(t, s.markRequested(uint32(i)))
		s.markReceived(uint32(i), p)
		s.markVerified(uint32(i))
	}
	assert.True(t, s.complete())
	data, ok := s.VerifiedPiece(1)
	assert.True(t, ok)
	assert.Equal(t, "ef", string(data))
	verified, total := s.Progress()
	assert.Equal(t, uint32(2), verified)
	assert.Equal(t, uint32(2), total)

	s.markMissing(1)
	_, ok = s.VerifiedPiece(1)
	assert.True(t, ok)

	s.release()
	data, ok = s.VerifiedPiece(1)
	assert.False(t, ok)
	assert.Nil(t, data)
}

func TestSessionTerminalStateIsFinal(t *testing.T) {
	s := NewSession(chunk.HashBytes([]byte("x")), "out.bin")
	assert.True(t, s.setState(StateFetchingMetadata, nil))
	assert.True(t, s.setState(StateFailed, errors.New("boom")))
	assert.False(t, s.setState(StateCompleted, nil))
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, "Failed 0/0 boom", s.Status())
}

func TestSessionTable(t *testing.T) {
	table := NewSessionTable(time.Minute, 10)
	h := chunk.HashBytes([]byte("x"))
	first := NewSession(h, "a.bin")
	assert.NoError(t, table.Add(first))
	err := table.Add(NewSession(h, "b.bin"))
	assert.True(t, errors.Is(err, errors.AlreadyExists))
	assert.Equal(t, first, table.Get(h))
	assert.Len(t, table.Active(), 1)

	table.Finish(first)
	assert.Nil(t, table.Get(h))
	assert.Equal(t, first, table.Lookup(h))
	assert.Zero(t, table.Len())

	second := NewSession(h, "b.bin")
	assert.NoError(t, table.Add(second))
	assert.Equal(t, second, table.Lookup(h))
	table.Remove(first)
	assert.Equal(t, second, table.Get(h))
}
