package clouddisk

import (
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/clouddiskfs/clouddiskfs/internal/metastore"
)

// RootIno is the inode number of the mount root.
const RootIno uint64 = 1

// Inode layers. The root's children (the bundles) sit on layerBundle;
// everything inside a bundle sits on layerCloud.
const (
	layerRoot   = 0
	layerBundle = 1
	layerCloud  = 2
)

const (
	modeRegular = syscall.S_IFREG | 0o660
	modeDir     = syscall.S_IFDIR | 0o771
	nlinkReg    = 1
	nlinkDir    = 2
)

// Attr is the stat view of an inode.
type Attr struct {
	Ino   uint64
	Mode  uint32
	Nlink uint32
	Size  uint64
	Uid   uint32
	Gid   uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// IsDir reports whether the attributes describe a directory.
func (a Attr) IsDir() bool { return a.Mode&syscall.S_IFMT == syscall.S_IFDIR }

// Entry is the reply to a name-producing operation.
type Entry struct {
	Ino  uint64
	Attr Attr
}

// Inode is one filesystem entry known to the kernel. Identity fields are
// fixed at creation; the rest is guarded by mu.
type Inode struct {
	Ino     uint64
	Bundle  string
	CloudID string
	Layer   int

	mu     sync.RWMutex
	parent uint64
	name   string
	attr   Attr

	// guarded by the inode table lock
	refs   int64
	pinned bool
}

// Attr returns a copy of the cached attributes. Size is only reported for
// regular files.
func (n *Inode) Attr() Attr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	a := n.attr
	if a.IsDir() {
		a.Size = 0
	}
	return a
}

// Parent returns the parent inode number and the name under it.
func (n *Inode) Parent() (uint64, string) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.parent, n.name
}

func (n *Inode) isDir() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.attr.IsDir()
}

func (n *Inode) setLocation(parent uint64, name string) {
	n.mu.Lock()
	n.parent, n.name = parent, name
	n.mu.Unlock()
}

// refresh overlays the metadata store's view of the record.
func (n *Inode) refresh(info metastore.ChildInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if info.IsDirectory {
		n.attr.Mode, n.attr.Nlink = modeDir, nlinkDir
	} else {
		n.attr.Mode, n.attr.Nlink = modeRegular, nlinkReg
	}
	n.attr.Size = uint64(max(info.Size, 0))
	n.attr.Mtime = info.Mtime
	n.attr.Ctime = info.Ctime
	n.attr.Atime = info.Atime
}

type cloudKey struct {
	bundle  string
	cloudID string
}

// inodeTable owns every live inode. Numbers are never reused within a mount.
type inodeTable struct {
	mu      sync.RWMutex
	byIno   map[uint64]*Inode
	byCloud map[cloudKey]uint64
	nextIno atomic.Uint64
}

func newInodeTable() *inodeTable {
	t := &inodeTable{
		byIno:   make(map[uint64]*Inode),
		byCloud: make(map[cloudKey]uint64),
	}
	t.nextIno.Store(RootIno)
	return t
}

func (t *inodeTable) get(ino uint64) (*Inode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byIno[ino]
	return n, ok
}

func (t *inodeTable) findCloud(bundle, cloudID string) (*Inode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ino, ok := t.byCloud[cloudKey{bundle, cloudID}]
	if !ok {
		return nil, false
	}
	return t.byIno[ino], true
}

// pin registers an inode that is never forgotten (root and bundles).
func (t *inodeTable) pin(n *Inode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n.Ino == 0 {
		n.Ino = t.nextIno.Add(1)
	}
	n.attr.Ino = n.Ino
	n.pinned = true
	t.byIno[n.Ino] = n
}

// acquire returns the live inode for (bundle, cloudID) with its reference
// count raised by one, creating it with init when absent. existed reports
// whether the inode was already live.
func (t *inodeTable) acquire(bundle, cloudID string, init func(n *Inode)) (n *Inode, existed bool) {
	key := cloudKey{bundle, cloudID}

	t.mu.Lock()
	defer t.mu.Unlock()
	if ino, ok := t.byCloud[key]; ok {
		n = t.byIno[ino]
		n.refs++
		return n, true
	}

	n = &Inode{Ino: t.nextIno.Add(1), Bundle: bundle, CloudID: cloudID, refs: 1}
	n.attr.Ino = n.Ino
	init(n)
	t.byIno[n.Ino] = n
	t.byCloud[key] = n.Ino
	return n, false
}

// forget drops nlookup references and evicts the inode when none remain.
func (t *inodeTable) forget(ino, nlookup uint64) (evicted *Inode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byIno[ino]
	if !ok || n.pinned {
		return nil
	}
	n.refs -= int64(nlookup)
	if n.refs > 0 {
		return nil
	}
	delete(t.byIno, ino)
	if t.byCloud[cloudKey{n.Bundle, n.CloudID}] == ino {
		delete(t.byCloud, cloudKey{n.Bundle, n.CloudID})
	}
	return n
}

func (t *inodeTable) refs(ino uint64) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n, ok := t.byIno[ino]; ok {
		return n.refs
	}
	return 0
}

func (t *inodeTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byIno)
}

type nameKey struct {
	parent uint64
	name   string
}

// nameCache maps (parent, name) to the child inode number.
type nameCache struct {
	mu      sync.RWMutex
	entries map[nameKey]uint64
}

func newNameCache() *nameCache {
	return &nameCache{entries: make(map[nameKey]uint64)}
}

func (c *nameCache) get(parent uint64, name string) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ino, ok := c.entries[nameKey{parent, name}]
	return ino, ok
}

// insert records the association only if none exists yet.
func (c *nameCache) insert(parent uint64, name string, ino uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := nameKey{parent, name}
	if _, ok := c.entries[key]; ok {
		return false
	}
	c.entries[key] = ino
	return true
}

func (c *nameCache) erase(parent uint64, name string) {
	c.mu.Lock()
	delete(c.entries, nameKey{parent, name})
	c.mu.Unlock()
}

// eraseIno drops every association pointing at ino.
func (c *nameCache) eraseIno(ino uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.entries {
		if v == ino {
			delete(c.entries, k)
		}
	}
}
