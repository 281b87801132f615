package transfer

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeIO implements collaborators.IO entirely in memory, standing in for
// a real filesystem-backed implementation in tests.
type fakeIO struct {
	mu         sync.Mutex
	files      map[string][]byte
	chunkSizes map[string]int
}

func newFakeIO() *fakeIO {
	return &fakeIO{files: make(map[string][]byte), chunkSizes: make(map[string]int)}
}

func (f *fakeIO) ReadChunk(path string, idx, size int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data := f.files[path]
	nominal := f.chunkSizes[path]
	if nominal == 0 {
		nominal = size
	}
	start := idx * nominal
	end := start + size
	if end > len(data) {
		end = len(data)
	}
	return append([]byte(nil), data[start:end]...), nil
}

func (f *fakeIO) WriteChunk(path string, idx int, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data := f.files[path]
	size := f.chunkSizes[path]
	if size == 0 {
		size = len(chunk)
	}
	start := idx * size
	copy(data[start:], chunk)
	f.files[path] = data
	return nil
}

func (f *fakeIO) Preallocate(path string, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = make([]byte, size)
	return nil
}

func (f *fakeIO) setChunkSize(path string, size int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkSizes[path] = size
}

func (f *fakeIO) PersistReceivedSet(transferID string, indices []int) error { return nil }

func TestChunkerReassemblerRoundTrip(t *testing.T) {
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	man, err := BuildManifest(data, 30)
	require.NoError(t, err)
	require.Equal(t, 4, man.NumChunks)

	io := newFakeIO()
	io.files["src"] = data
	io.setChunkSize("src", man.ChunkSize)
	chunker := NewChunker(io, "src", man)

	reasm, err := NewReassembler(io, "dst", man)
	require.NoError(t, err)
	io.setChunkSize("dst", man.ChunkSize)

	for i := 0; i < man.NumChunks; i++ {
		chunk, err := chunker.Read(i)
		require.NoError(t, err)
		require.NoError(t, reasm.Write(i, chunk))
	}

	select {
	case <-reasm.Done():
	default:
		t.Fatal("reassembler should be done")
	}
	require.Equal(t, data, io.files["dst"])
}

func TestReassemblerRejectsBadChunk(t *testing.T) {
	data := []byte("hello world, this is chunked data")
	man, err := BuildManifest(data, 10)
	require.NoError(t, err)

	io := newFakeIO()
	reasm, err := NewReassembler(io, "dst", man)
	require.NoError(t, err)

	err = reasm.Write(0, []byte("wrong bytes"))
	require.ErrorIs(t, err, ErrChunkHashMismatch)
}

func TestCoordinatorFastestFirstPrefersHigherScore(t *testing.T) {
	data := make([]byte, 300)
	man, err := BuildManifest(data, 30)
	require.NoError(t, err)
	io := newFakeIO()
	reasm, err := NewReassembler(io, "dst", man)
	require.NoError(t, err)

	c := NewCoordinator(reasm, FastestFirst)
	c.AddPeer("slow")
	c.AddPeer("fast")
	c.RecordSuccess(0, "fast", 10_000_000, 0.01)
	c.RecordSuccess(0, "slow", 1_000, 0.5)

	ranked := c.rankedPeers()
	require.Equal(t, "fast", ranked[0])
}

func TestCoordinatorOpensBreakerAfterConsecutiveFailures(t *testing.T) {
	data := make([]byte, 300)
	man, _ := BuildManifest(data, 30)
	io := newFakeIO()
	reasm, _ := NewReassembler(io, "dst", man)

	now := time.Now()
	c := NewCoordinator(reasm, FastestFirst)
	c.now = func() time.Time { return now }
	c.AddPeer("flaky")

	for i := 0; i < consecutiveFailureLimit; i++ {
		c.RecordFailure(i, "flaky")
	}
	_, _, err := c.NextAssignment()
	require.ErrorIs(t, err, ErrNoPeersAvailable)

	now = now.Add(breakerCooldown)
	idx, peer, err := c.NextAssignment()
	require.NoError(t, err)
	require.Equal(t, "flaky", peer)
	require.GreaterOrEqual(t, idx, 0)
}

func TestResumeStoreSaveLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "resume.db"))
	require.NoError(t, err)
	defer store.Close()

	data := make([]byte, 100)
	man, err := BuildManifest(data, 30)
	require.NoError(t, err)

	require.NoError(t, store.Save("xfer-1", man, []int{0, 2}))

	root, chunkSize, numChunks, received, ok, err := store.Load("xfer-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, man.Root, root)
	require.Equal(t, man.ChunkSize, chunkSize)
	require.Equal(t, man.NumChunks, numChunks)
	require.ElementsMatch(t, []int{0, 2}, received)

	require.NoError(t, store.Delete("xfer-1"))
	_, _, _, _, ok, err = store.Load("xfer-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReassemblerResumeFromPersisted(t *testing.T) {
	data := make([]byte, 100)
	man, _ := BuildManifest(data, 30)
	io := newFakeIO()
	reasm, err := NewReassembler(io, "dst", man)
	require.NoError(t, err)

	reasm.ResumeFrom([]int{0, 1, 2})
	missing := reasm.Missing()
	require.Equal(t, []int{3}, missing)
}
