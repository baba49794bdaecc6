package buffermgr

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

/*

The buffer pool keeps the raw bytes of recently read snapshot files so repeated
queries against the same content type do not hit the disk. A buffer is only
valid while the file's size and modification time match what was recorded when
it was read. Callers parse the bytes into fresh documents on every query, so
nothing handed out here is ever mutated.

*/

const (
	// DefaultBufferPoolSize is the default number of files kept in the pool
	DefaultBufferPoolSize = 256

	// BufferStateInvalid indicates the buffer doesn't contain valid data
	BufferStateInvalid = 0

	// BufferStateValid indicates the buffer holds the current contents of its file
	BufferStateValid = 1
)

// FileBuffer holds the contents of one file
type FileBuffer struct {
	ID    int
	State int

	Path    string
	Data    []byte
	Size    int64
	ModTime time.Time

	UsageCount int

	// For clock sweep algorithm
	Referenced bool
}

// Stats are cumulative pool counters
type Stats struct {
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Invalidations uint64
	Resident      int
}

// BufferPool manages a fixed number of file buffers with clock sweep eviction
type BufferPool struct {
	mu        sync.Mutex
	buffers   []*FileBuffer
	hashTable map[string]int // Maps file path to buffer index

	// For clock sweep algorithm
	clockHand  int
	maxBuffers int

	// Stats
	hits          uint64
	misses        uint64
	evictions     uint64
	invalidations uint64

	logger *zap.SugaredLogger
}

// NewBufferPool creates a pool holding up to bufferCount files. A count of zero
// disables caching, every lookup misses and nothing is stored.
func NewBufferPool(bufferCount int, logger *zap.SugaredLogger) *BufferPool {
	if bufferCount < 0 {
		bufferCount = DefaultBufferPoolSize
	}

	pool := &BufferPool{
		buffers:    make([]*FileBuffer, bufferCount),
		hashTable:  make(map[string]int),
		maxBuffers: bufferCount,
		logger:     logger,
	}

	for i := 0; i < bufferCount; i++ {
		pool.buffers[i] = &FileBuffer{
			ID:    i,
			State: BufferStateInvalid,
		}
	}

	return pool
}

// Get returns the cached bytes of path if the cached copy was read from a file
// with the given size and modification time.
func (bp *BufferPool) Get(path string, size int64, modTime time.Time) ([]byte, bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	bufferID, found := bp.hashTable[path]
	if !found {
		bp.misses++
		return nil, false
	}

	buffer := bp.buffers[bufferID]
	if buffer.State == BufferStateInvalid || buffer.Size != size || !buffer.ModTime.Equal(modTime) {
		// stale, the sync process rewrote the file
		bp.invalidateLocked(bufferID)
		bp.misses++
		return nil, false
	}

	bp.hits++
	buffer.Referenced = true
	buffer.UsageCount++
	return buffer.Data, true
}

// Put stores the contents of path, evicting another file if the pool is full
func (bp *BufferPool) Put(path string, data []byte, size int64, modTime time.Time) {
	if bp.maxBuffers == 0 {
		return
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	bufferID, found := bp.hashTable[path]
	if !found {
		bufferID = bp.findFreeBuffer()
		if old := bp.buffers[bufferID]; old.State != BufferStateInvalid {
			delete(bp.hashTable, old.Path)
		}
		bp.hashTable[path] = bufferID
	}

	buffer := bp.buffers[bufferID]
	buffer.State = BufferStateValid
	buffer.Path = path
	buffer.Data = data
	buffer.Size = size
	buffer.ModTime = modTime
	buffer.UsageCount = 1
	buffer.Referenced = true
}

// Invalidate drops path from the pool
func (bp *BufferPool) Invalidate(path string) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if bufferID, found := bp.hashTable[path]; found {
		bp.invalidateLocked(bufferID)
		bp.logger.Debugf("Invalidated buffer %d for %s", bufferID, path)
	}
}

// InvalidateDir drops every file below dir
func (bp *BufferPool) InvalidateDir(dir string) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	prefix := filepath.Clean(dir) + string(filepath.Separator)
	for path, bufferID := range bp.hashTable {
		if strings.HasPrefix(path, prefix) {
			bp.invalidateLocked(bufferID)
		}
	}
}

// Stats returns a snapshot of the pool counters
func (bp *BufferPool) Stats() Stats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	return Stats{
		Hits:          bp.hits,
		Misses:        bp.misses,
		Evictions:     bp.evictions,
		Invalidations: bp.invalidations,
		Resident:      len(bp.hashTable),
	}
}

func (bp *BufferPool) invalidateLocked(bufferID int) {
	buffer := bp.buffers[bufferID]
	delete(bp.hashTable, buffer.Path)
	buffer.State = BufferStateInvalid
	buffer.Data = nil
	buffer.Path = ""
	buffer.Referenced = false
	bp.invalidations++
}

// findFreeBuffer finds a free buffer to use, evicting with the clock sweep if necessary.
// Must be called with bp.mu held.
func (bp *BufferPool) findFreeBuffer() int {
	// First pass: look for an invalid (unused) buffer
	for i := 0; i < bp.maxBuffers; i++ {
		if bp.buffers[i].State == BufferStateInvalid {
			return i
		}
	}

	// Second pass: every referenced buffer gets one more chance, so at most two
	// rounds are needed to find a victim
	for {
		bufferID := bp.clockHand
		bp.clockHand = (bp.clockHand + 1) % bp.maxBuffers

		buffer := bp.buffers[bufferID]
		if buffer.Referenced {
			buffer.Referenced = false
			continue
		}

		bp.evictions++
		bp.logger.Debugf("Evicting buffer %d (%s)", bufferID, buffer.Path)
		return bufferID
	}
}
