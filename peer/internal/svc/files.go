package svc

import (
	"os"
	"sync"

	"swarmcast/common/chunk"
	"swarmcast/common/errs"

	"github.com/juju/errors"
)

// SeededFile is a local file served read-only on the data plane.
type SeededFile struct {
	Path       string
	Descriptor *chunk.Descriptor
	file       *os.File
}

// ReadPiece reads and re-checks one piece, so a file changed on disk is
// never served as valid data.
func (f *SeededFile) ReadPiece(index uint32) ([]byte, error) {
	if index >= f.Descriptor.NumPieces() {
		return nil, errors.NotFoundf("piece %d of %s", index, f.Descriptor.ContentHash)
	}
	buf := make([]byte, f.Descriptor.PieceLength(index))
	_, err := f.file.ReadAt(buf, f.Descriptor.PieceOffset(index))
	if err != nil {
		return nil, errs.IO(errors.Annotatef(err, "read piece %d of %s", index, f.Path))
	}
	if !f.Descriptor.VerifyPiece(index, buf) {
		return nil, errs.Integrityf("piece %d of %s changed on disk", index, f.Path)
	}
	return buf, nil
}

type FileTable struct {
	mu    sync.RWMutex
	files map[chunk.Hash]*SeededFile
}

func NewFileTable() *FileTable {
	return &FileTable{files: make(map[chunk.Hash]*SeededFile)}
}

// Add opens path for serving under desc. Seeding a hash twice keeps the
// first file.
func (t *FileTable) Add(path string, desc *chunk.Descriptor) (*SeededFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errs.IO(errors.Annotatef(err, "open %s", path))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.files[desc.ContentHash]; ok {
		file.Close()
		return existing, nil
	}
	f := &SeededFile{Path: path, Descriptor: desc, file: file}
	t.files[desc.ContentHash] = f
	return f, nil
}

func (t *FileTable) Get(hash chunk.Hash) *SeededFile {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.files[hash]
}

func (t *FileTable) List() []*SeededFile {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ret := make([]*SeededFile, 0, len(t.files))
	for _, f := range t.files {
		ret = append(ret, f)
	}
	return ret
}

func (t *FileTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.files)
}

func (t *FileTable) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for hash, f := range t.files {
		f.file.Close()
		delete(t.files, hash)
	}
}
