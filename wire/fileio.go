package wire

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileIO implements collaborators.IO against the local filesystem:
// chunk reads/writes use pwrite/pread-style positioned access via
// os.File, and received-set persistence is one small file per transfer
// ID under a state directory.
type FileIO struct {
	mu         sync.Mutex
	open       map[string]*os.File
	chunkSizes map[string]int
	stateDir   string
}

// NewFileIO constructs a FileIO that persists received-set bitmaps under
// stateDir.
func NewFileIO(stateDir string) *FileIO {
	return &FileIO{open: make(map[string]*os.File), chunkSizes: make(map[string]int), stateDir: stateDir}
}

// SetChunkSize records path's nominal (non-final) chunk size, so
// WriteChunk can compute the correct byte offset for a short final
// chunk. Callers should set this once from the transfer manifest before
// writing chunks for path.
func (f *FileIO) SetChunkSize(path string, size int) {
	f.mu.Lock()
	f.chunkSizes[path] = size
	f.mu.Unlock()
}

func (f *FileIO) fileFor(path string, create bool) (*os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fh, ok := f.open[path]; ok {
		return fh, nil
	}
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}
	fh, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	f.open[path] = fh
	return fh, nil
}

// ReadChunk reads size bytes at chunk index idx's byte offset.
func (f *FileIO) ReadChunk(path string, idx int, size int) ([]byte, error) {
	fh, err := f.fileFor(path, false)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	nominal, ok := f.chunkSizes[path]
	f.mu.Unlock()
	if !ok {
		nominal = size
	}
	buf := make([]byte, size)
	n, err := fh.ReadAt(buf, int64(idx)*int64(nominal))
	if err != nil && n == 0 {
		return nil, fmt.Errorf("wire: read chunk %d of %s: %w", idx, path, err)
	}
	return buf[:n], nil
}

// WriteChunk writes data at chunk index idx's nominal byte offset (set
// via SetChunkSize; falls back to len(data) if never set, which is only
// correct when every chunk, including the last, is the same size).
func (f *FileIO) WriteChunk(path string, idx int, data []byte) error {
	f.mu.Lock()
	size, ok := f.chunkSizes[path]
	f.mu.Unlock()
	if !ok {
		size = len(data)
	}
	return f.writeChunkAt(path, int64(idx)*int64(size), data)
}

func (f *FileIO) writeChunkAt(path string, offset int64, data []byte) error {
	fh, err := f.fileFor(path, true)
	if err != nil {
		return err
	}
	_, err = fh.WriteAt(data, offset)
	return err
}

// Preallocate extends path to size bytes, creating it if necessary.
func (f *FileIO) Preallocate(path string, size int64) error {
	fh, err := f.fileFor(path, true)
	if err != nil {
		return err
	}
	return fh.Truncate(size)
}

// PersistReceivedSet writes indices as a newline-free binary blob under
// stateDir/<transferID>.received; the transfer package's resume.Store is
// the canonical bbolt-backed path, but this satisfies the plain
// collaborators.IO contract for callers that don't wire up bbolt
// directly.
func (f *FileIO) PersistReceivedSet(transferID string, indices []int) error {
	if f.stateDir == "" {
		return nil
	}
	if err := os.MkdirAll(f.stateDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(f.stateDir, transferID+".received")
	buf := make([]byte, len(indices)*4)
	for i, idx := range indices {
		buf[i*4] = byte(idx >> 24)
		buf[i*4+1] = byte(idx >> 16)
		buf[i*4+2] = byte(idx >> 8)
		buf[i*4+3] = byte(idx)
	}
	return os.WriteFile(path, buf, 0o644)
}

// Close closes every file handle this FileIO has opened.
func (f *FileIO) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for _, fh := range f.open {
		if err := fh.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.open = make(map[string]*os.File)
	return firstErr
}
