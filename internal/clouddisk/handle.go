package clouddisk

import (
	"sync"
	"sync/atomic"

	"github.com/clouddiskfs/clouddiskfs/internal/drivekit"
)

// OpenMode says where an open file's content is served from.
type OpenMode int

const (
	ModeLocal OpenMode = iota + 1
	ModeCloud
)

func (m OpenMode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeCloud:
		return "cloud"
	default:
		return "unknown"
	}
}

// DirtyMark drives the write-back decision at release time.
type DirtyMark int

const (
	DirtyNone DirtyMark = iota
	DirtyCreated
	DirtyWritten
)

// OpenFile is one open instance of a regular file. Exactly one of fd and
// session is valid, according to mode. mu serializes the reference count
// with finalization.
type OpenFile struct {
	Fh  uint64
	Ino uint64

	mu      sync.Mutex
	mode    OpenMode
	fd      int
	session drivekit.ReadSession
	dirty   DirtyMark
	refs    int
	closed  bool
}

// Mode returns the open mode.
func (f *OpenFile) Mode() OpenMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *OpenFile) markDirty(m DirtyMark) {
	f.mu.Lock()
	if f.dirty < m {
		f.dirty = m
	}
	f.mu.Unlock()
}

// localFD returns the descriptor of a live LOCAL handle.
func (f *OpenFile) localFD() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.mode != ModeLocal {
		return -1, false
	}
	return f.fd, true
}

func (f *OpenFile) cloudSession() (drivekit.ReadSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.mode != ModeCloud || f.session == nil {
		return nil, false
	}
	return f.session, true
}

// retain adds a reference to a handle that has not been finalized.
func (f *OpenFile) retain() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.refs++
	return true
}

// fileTable owns the open handles. Handle numbers come from a monotonic
// counter and are never reused.
type fileTable struct {
	mu     sync.RWMutex
	files  map[uint64]*OpenFile
	nextFh atomic.Uint64
}

func newFileTable() *fileTable {
	return &fileTable{files: make(map[uint64]*OpenFile)}
}

func (t *fileTable) get(fh uint64) (*OpenFile, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.files[fh]
	return f, ok
}

func (t *fileTable) newLocal(ino uint64, fd int, dirty DirtyMark) *OpenFile {
	return t.add(&OpenFile{Ino: ino, mode: ModeLocal, fd: fd, dirty: dirty, refs: 1})
}

func (t *fileTable) newCloud(ino uint64, session drivekit.ReadSession) *OpenFile {
	return t.add(&OpenFile{Ino: ino, mode: ModeCloud, fd: -1, session: session, refs: 1})
}

func (t *fileTable) add(f *OpenFile) *OpenFile {
	f.Fh = t.nextFh.Add(1)
	t.mu.Lock()
	t.files[f.Fh] = f
	t.mu.Unlock()
	return f
}

func (t *fileTable) remove(fh uint64) {
	t.mu.Lock()
	delete(t.files, fh)
	t.mu.Unlock()
}

func (t *fileTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.files)
}
