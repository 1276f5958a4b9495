package svc

import (
	"fmt"
	"sync"
	"time"

	"swarmcast/common/chunk"
	"swarmcast/common/util"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

type State int

const (
	StateDiscovering State = iota
	StateFetchingMetadata
	StateFetchingPieces
	StateVerifying
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDiscovering:
		return "Discovering"
	case StateFetchingMetadata:
		return "FetchingMetadata"
	case StateFetchingPieces:
		return "FetchingPieces"
	case StateVerifying:
		return "Verifying"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

type PieceStatus int

const (
	PieceMissing PieceStatus = iota
	PieceRequested
	PieceReceived
	PieceVerified
)

// PieceState holds Data only once the piece is received.
type PieceState struct {
	Status PieceStatus
	Data   []byte
}

// Session is one download. Fields below mu are guarded by it.
type Session struct {
	ID         string
	Hash       chunk.Hash
	OutputPath string
	StartedAt  time.Time

	mu          sync.Mutex
	state       State
	err         error
	desc        *chunk.Descriptor
	pieces      []PieceState
	verified    uint32
	activePeers int
}

func NewSession(hash chunk.Hash, output string) *Session {
	return &Session{
		ID:         uuid.NewString(),
		Hash:       hash,
		OutputPath: output,
		StartedAt:  time.Now(),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Descriptor is nil until metadata has been fetched.
func (s *Session) Descriptor() *chunk.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc
}

func (s *Session) Progress() (verified uint32, total uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified, uint32(len(s.pieces))
}

func (s *Session) ActivePeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activePeers
}

// Status renders "<State> <verified>/<total>" plus the failure, if any.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	line := fmt.Sprintf("%s %d/%d", s.state, s.verified, len(s.pieces))
	if s.err != nil {
		line += " " + s.err.Error()
	}
	return line
}

// setState moves the session forward. Terminal states are final.
func (s *Session) setState(state State, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = state
	s.err = err
	return true
}

func (s *Session) setDescriptor(desc *chunk.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.desc != nil {
		return errors.AlreadyExistsf("descriptor of %s", s.Hash)
	}
	s.desc = desc
	s.pieces = make([]PieceState, desc.NumPieces())
	return nil
}

func (s *Session) setActivePeers(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activePeers = n
}

// nextMissing returns the lowest missing piece not rejected by skip.
func (s *Session) nextMissing(skip func(index uint32) bool) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pieces {
		if s.pieces[i].Status == PieceMissing && !skip(uint32(i)) {
			return uint32(i), true
		}
	}
	return 0, false
}

func (s *Session) markRequested(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(index) >= len(s.pieces) || s.pieces[index].Status != PieceMissing {
		return false
	}
	s.pieces[index].Status = PieceRequested
	return true
}

func (s *Session) markReceived(index uint32, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pieces[index] = PieceState{Status: PieceReceived, Data: data}
}

func (s *Session) markMissing(index uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pieces[index].Status != PieceVerified {
		s.pieces[index] = PieceState{Status: PieceMissing}
	}
}

func (s *Session) markVerified(index uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pieces[index].Status == PieceReceived {
		s.pieces[index].Status = PieceVerified
		s.verified++
	}
}

// VerifiedPiece returns piece data that has passed its digest check.
func (s *Session) VerifiedPiece(index uint32) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(index) >= len(s.pieces) || s.pieces[index].Status != PieceVerified {
		return nil, false
	}
	// released once the session finished
	if s.pieces[index].Data == nil {
		return nil, false
	}
	return s.pieces[index].Data, true
}

func (s *Session) complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc != nil && int(s.verified) == len(s.pieces)
}

// release drops piece data once the file is on disk or the session failed.
func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pieces {
		s.pieces[i].Data = nil
	}
}

// SessionTable holds at most one active session per content hash. Finished
// sessions stay queryable for a while.
type SessionTable struct {
	mu       sync.RWMutex
	active   map[chunk.Hash]*Session
	finished *util.LRWCache[string, *Session]
}

func NewSessionTable(finishedTTL time.Duration, maxFinished int) *SessionTable {
	return &SessionTable{
		active:   make(map[chunk.Hash]*Session),
		finished: util.NewLRWCache[string, *Session](finishedTTL, maxFinished),
	}
}

func (t *SessionTable) Add(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[s.Hash]; ok {
		return errors.AlreadyExistsf("download of %s", s.Hash)
	}
	t.active[s.Hash] = s
	return nil
}

// Get returns the active session for hash.
func (t *SessionTable) Get(hash chunk.Hash) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active[hash]
}

// Lookup returns the active session for hash, or the latest finished one.
func (t *SessionTable) Lookup(hash chunk.Hash) *Session {
	if s := t.Get(hash); s != nil {
		return s
	}
	s, _ := t.finished.Get(hash.String())
	return s
}

func (t *SessionTable) Remove(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[s.Hash] == s {
		delete(t.active, s.Hash)
	}
}

// Finish moves s from the active table to the finished cache.
func (t *SessionTable) Finish(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[s.Hash] == s {
		delete(t.active, s.Hash)
	}
	t.finished.Set(s.Hash.String(), s)
}

func (t *SessionTable) Active() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ret := make([]*Session, 0, len(t.active))
	for _, s := range t.active {
		ret = append(ret, s)
	}
	return ret
}

func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}
