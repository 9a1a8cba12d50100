package clouddisk

import (
	"context"
	"syscall"
	"time"

	"github.com/clouddiskfs/clouddiskfs/internal/dirent"
	"github.com/clouddiskfs/clouddiskfs/internal/metastore"
	"github.com/clouddiskfs/clouddiskfs/pkg/utils"
)

// Lookup resolves name under parent. Children of the root are the
// bundle directories; everything below is resolved through the bundle's
// metadata store.
func (fs *FileSystem) Lookup(ctx context.Context, parent uint64, name string) (e Entry, errno syscall.Errno) {
	defer fs.record("lookup", time.Now(), 0, &errno)

	if parent == RootIno {
		b, ok := fs.bundleByName(name)
		if !ok {
			return Entry{}, syscall.ENOENT
		}
		return Entry{Ino: b.Ino, Attr: b.Attr()}, 0
	}
	return fs.cloudLookup(ctx, parent, name)
}

func (fs *FileSystem) cloudLookup(ctx context.Context, parent uint64, name string) (Entry, syscall.Errno) {
	if parent == RootIno {
		return Entry{}, syscall.EINVAL
	}
	if err := utils.ValidateName(name); err != nil {
		return Entry{}, syscall.EINVAL
	}
	p, ok := fs.inodes.get(parent)
	if !ok {
		fs.logger.Error("lookup: parent inode not found", "ino", parent, "name", name)
		return Entry{}, syscall.EINVAL
	}

	store, err := fs.store(ctx, p.Bundle)
	if err != nil {
		fs.logger.Error("lookup: metadata store unavailable", "bundle", p.Bundle, "error", err)
		return Entry{}, syscall.EIO
	}
	info, err := store.LookUp(ctx, p.CloudID, name)
	if err != nil {
		errno := readErrno(err)
		if errno != syscall.ENOENT {
			fs.logger.Error("lookup failed", "ino", parent, "name", name, "error", err)
		}
		return Entry{}, errno
	}

	child := fs.attachChild(p, name, info)
	fs.publishGauges()
	return Entry{Ino: child.Ino, Attr: child.Attr()}, 0
}

// attachChild returns the live inode for info under p, taking one kernel
// reference. The inode table is released before the name cache is touched.
func (fs *FileSystem) attachChild(p *Inode, name string, info metastore.ChildInfo) *Inode {
	parentAttr := p.Attr()
	child, existed := fs.inodes.acquire(p.Bundle, info.CloudID, func(n *Inode) {
		n.Layer = min(p.Layer+1, layerCloud)
		n.parent, n.name = p.Ino, name
		n.attr.Uid, n.attr.Gid = parentAttr.Uid, parentAttr.Gid
	})
	fs.cfg.Metrics.RecordCacheLookup("inode", existed)

	if existed {
		oldParent, oldName := child.Parent()
		if oldParent != p.Ino || oldName != name {
			fs.names.erase(oldParent, oldName)
			child.setLocation(p.Ino, name)
		}
	}
	child.refresh(info)
	fs.names.insert(p.Ino, name, child.Ino)
	return child
}

// ReadDir formats the children of ino starting at the cursor off into at
// most size bytes of directory entries. An empty reply ends the listing,
// so a budget too small for the next entry fails with EINVAL instead.
func (fs *FileSystem) ReadDir(ctx context.Context, ino uint64, off uint64, size int) (buf []byte, errno syscall.Errno) {
	defer fs.record("readdir", time.Now(), 0, &errno)

	if ino == RootIno {
		return fs.readRootDir(off, size)
	}

	n, ok := fs.inodes.get(ino)
	if !ok {
		return nil, syscall.EINVAL
	}
	if !n.isDir() {
		return nil, syscall.ENOTDIR
	}
	store, err := fs.store(ctx, n.Bundle)
	if err != nil {
		fs.logger.Error("readdir: metadata store unavailable", "bundle", n.Bundle, "error", err)
		return nil, syscall.EIO
	}
	children, err := store.ReadDir(ctx, n.CloudID)
	if err != nil {
		fs.logger.Error("readdir failed", "ino", ino, "cloud_id", n.CloudID, "error", err)
		return nil, readErrno(err)
	}

	entries := make([]dirEntry, len(children))
	for i, c := range children {
		entries[i] = dirEntry{name: c.FileName, nextOff: c.NextOff, mode: modeRegular}
		if c.IsDirectory {
			entries[i].mode = modeDir
		}
		if live, ok := fs.inodes.findCloud(n.Bundle, c.CloudID); ok {
			entries[i].ino = live.Ino
		}
	}
	return formatEntries(entries, off, size)
}

func (fs *FileSystem) readRootDir(off uint64, size int) ([]byte, syscall.Errno) {
	entries := make([]dirEntry, len(fs.bundles))
	var next uint64
	for i, b := range fs.bundles {
		next += uint64(dirent.Size(b.Bundle))
		entries[i] = dirEntry{ino: b.Ino, name: b.Bundle, mode: modeDir, nextOff: next}
	}
	return formatEntries(entries, off, size)
}

type dirEntry struct {
	ino     uint64
	name    string
	mode    uint32
	nextOff uint64
}

// unknownIno is reported for children the kernel has not looked up yet.
const unknownIno = 0xffffffff

// seekDir returns the index to resume listing at for cursor off.
func seekDir(entries []dirEntry, off uint64) int {
	if off == 0 || len(entries) == 0 {
		return 0
	}
	for i, e := range entries {
		if e.nextOff == off {
			return i + 1
		}
	}
	// the directory changed since the cursor was handed out
	for i, e := range entries {
		if e.nextOff > off {
			return i + 1
		}
	}
	if entries[len(entries)-1].nextOff < off {
		return len(entries)
	}
	return 0
}

func formatEntries(entries []dirEntry, off uint64, size int) ([]byte, syscall.Errno) {
	var buf []byte
	rest := entries[seekDir(entries, off):]
	if len(rest) > 0 && dirent.Size(rest[0].name) > size {
		return nil, syscall.EINVAL
	}
	for _, e := range rest {
		entrySize := dirent.Size(e.name)
		if len(buf)+entrySize > size {
			break
		}
		ino := e.ino
		if ino == 0 {
			ino = unknownIno
		}
		buf = dirent.Append(buf, ino, off+uint64(len(buf)+entrySize), e.mode, e.name)
	}
	return buf, 0
}
