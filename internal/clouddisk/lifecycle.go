package clouddisk

import (
	"context"
	"os"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/clouddiskfs/clouddiskfs/internal/metastore"
	"github.com/clouddiskfs/clouddiskfs/internal/notify"
	"github.com/clouddiskfs/clouddiskfs/pkg/utils"
)

// parentDir resolves the directory a namespace operation acts in. The
// root only holds bundles and cannot be changed.
func (fs *FileSystem) parentDir(ctx context.Context, ino uint64, name string) (*Inode, MetaStore, syscall.Errno) {
	if ino == RootIno {
		return nil, nil, syscall.EINVAL
	}
	if err := utils.ValidateName(name); err != nil {
		return nil, nil, syscall.EINVAL
	}
	p, ok := fs.inodes.get(ino)
	if !ok {
		return nil, nil, syscall.EINVAL
	}
	if !p.isDir() {
		return nil, nil, syscall.ENOTDIR
	}
	store, err := fs.store(ctx, p.Bundle)
	if err != nil {
		fs.logger.Error("metadata store unavailable", "bundle", p.Bundle, "error", err)
		return nil, nil, syscall.EIO
	}
	return p, store, 0
}

func (fs *FileSystem) generateID(ctx context.Context, bundle string) (string, syscall.Errno) {
	db, err := fs.database(bundle)
	if err != nil {
		fs.logger.Error("drive database unavailable", "bundle", bundle, "error", err)
		return "", cloudErrno(err)
	}
	ids, err := db.GenerateIds(ctx, 1)
	if err != nil || len(ids) == 0 {
		fs.logger.Error("cloud id generation failed", "bundle", bundle, "error", err)
		return "", cloudErrno(err)
	}
	return ids[0], 0
}

// Create makes a regular file under parent and opens it as a LOCAL handle.
func (fs *FileSystem) Create(ctx context.Context, parent uint64, name string, mode uint32, flags int) (e Entry, fh uint64, errno syscall.Errno) {
	defer fs.record("create", time.Now(), 0, &errno)

	e, fd, errno := fs.createFile(ctx, parent, name, flags)
	if errno != 0 {
		return Entry{}, 0, errno
	}
	f := fs.files.newLocal(e.Ino, fd, DirtyCreated)
	fs.publishGauges()
	return e, f.Fh, 0
}

// MkNod makes a regular file under parent without opening it.
func (fs *FileSystem) MkNod(ctx context.Context, parent uint64, name string, mode uint32) (e Entry, errno syscall.Errno) {
	defer fs.record("mknod", time.Now(), 0, &errno)

	e, fd, errno := fs.createFile(ctx, parent, name, 0)
	if errno != 0 {
		return Entry{}, errno
	}
	unix.Close(fd)
	return e, 0
}

// createFile allocates a cloud id, creates the cache file, registers the
// record and looks it up. Any failure after the cache file exists removes it.
func (fs *FileSystem) createFile(ctx context.Context, parent uint64, name string, flags int) (Entry, int, syscall.Errno) {
	p, store, errno := fs.parentDir(ctx, parent, name)
	if errno != 0 {
		return Entry{}, -1, errno
	}
	cloudID, errno := fs.generateID(ctx, p.Bundle)
	if errno != 0 {
		return Entry{}, -1, errno
	}

	path, err := fs.cfg.Layout.Prepare(fs.cfg.UserID, p.Bundle, cloudID)
	if err != nil {
		fs.logger.Error("create: cache directory", "bundle", p.Bundle, "cloud_id", cloudID, "error", err)
		return Entry{}, -1, syscall.EINVAL
	}
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC|(flags&unix.O_NOFOLLOW), 0o660)
	if err != nil {
		fs.logger.Error("create: cache file", "path", path, "error", err)
		return Entry{}, -1, osErrno(err)
	}
	rollback := func() {
		unix.Close(fd)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			fs.logger.Warn("create: removing cache file", "path", path, "error", err)
		}
	}

	if err := store.Create(ctx, cloudID, p.CloudID, name); err != nil {
		rollback()
		fs.logger.Debug("create refused by metadata store", "parent", parent, "name", name, "error", err)
		return Entry{}, -1, storeErrno(err)
	}
	e, errno := fs.cloudLookup(ctx, parent, name)
	if errno != 0 {
		rollback()
		return Entry{}, -1, errno
	}
	return e, fd, 0
}

// MkDir makes a directory under parent.
func (fs *FileSystem) MkDir(ctx context.Context, parent uint64, name string, mode uint32) (e Entry, errno syscall.Errno) {
	defer fs.record("mkdir", time.Now(), 0, &errno)

	p, store, errno := fs.parentDir(ctx, parent, name)
	if errno != 0 {
		return Entry{}, errno
	}
	cloudID, errno := fs.generateID(ctx, p.Bundle)
	if errno != 0 {
		return Entry{}, errno
	}
	if err := store.MkDir(ctx, cloudID, p.CloudID, name); err != nil {
		fs.logger.Debug("mkdir refused by metadata store", "parent", parent, "name", name, "error", err)
		return Entry{}, storeErrno(err)
	}
	e, errno = fs.cloudLookup(ctx, parent, name)
	if errno != 0 {
		return Entry{}, errno
	}
	fs.publish(ctx, notify.Event{Kind: notify.KindMkdir, Inode: e.Ino, Bundle: p.Bundle, CloudID: cloudID})
	return e, 0
}

// RmDir removes an empty directory.
func (fs *FileSystem) RmDir(ctx context.Context, parent uint64, name string) (errno syscall.Errno) {
	defer fs.record("rmdir", time.Now(), 0, &errno)

	p, store, errno := fs.parentDir(ctx, parent, name)
	if errno != 0 {
		return errno
	}
	child, err := store.LookUp(ctx, p.CloudID, name)
	if err != nil {
		return readErrno(err)
	}
	if !child.IsDirectory {
		return syscall.ENOTDIR
	}
	hasChild, err := store.GetHasChild(ctx, child.CloudID)
	if err != nil {
		fs.logger.Error("rmdir: child check failed", "cloud_id", child.CloudID, "error", err)
		return readErrno(err)
	}
	if hasChild {
		return syscall.EPERM
	}
	if errno := fs.unlink(ctx, p, store, name); errno != 0 {
		return errno
	}
	fs.publish(ctx, notify.Event{Kind: notify.KindRmdir, Inode: parent, Bundle: p.Bundle, CloudID: child.CloudID})
	return 0
}

// Unlink removes a file.
func (fs *FileSystem) Unlink(ctx context.Context, parent uint64, name string) (errno syscall.Errno) {
	defer fs.record("unlink", time.Now(), 0, &errno)

	p, store, errno := fs.parentDir(ctx, parent, name)
	if errno != 0 {
		return errno
	}
	child, err := store.LookUp(ctx, p.CloudID, name)
	if err != nil {
		return readErrno(err)
	}
	if errno := fs.unlink(ctx, p, store, name); errno != 0 {
		return errno
	}
	fs.publish(ctx, notify.Event{Kind: notify.KindUnlink, Inode: parent, Bundle: p.Bundle, CloudID: child.CloudID})
	return 0
}

func (fs *FileSystem) unlink(ctx context.Context, p *Inode, store MetaStore, name string) syscall.Errno {
	removed, err := store.Unlink(ctx, p.CloudID, name)
	if err != nil {
		fs.logger.Error("unlink refused by metadata store", "parent", p.Ino, "name", name, "error", err)
		return storeErrno(err)
	}
	if removed != "" {
		if err := fs.cfg.Layout.Remove(fs.cfg.UserID, p.Bundle, removed); err != nil {
			fs.logger.Warn("unlink: removing cache file", "cloud_id", removed, "error", err)
		}
	}
	fs.names.erase(p.Ino, name)
	return 0
}

// Rename moves an entry within a bundle. Flags such as RENAME_NOREPLACE
// are not supported.
func (fs *FileSystem) Rename(ctx context.Context, oldParent uint64, oldName string, newParent uint64, newName string, flags uint32) (errno syscall.Errno) {
	defer fs.record("rename", time.Now(), 0, &errno)

	if flags != 0 {
		return syscall.EINVAL
	}
	op, store, errno := fs.parentDir(ctx, oldParent, oldName)
	if errno != 0 {
		return errno
	}
	np, _, errno := fs.parentDir(ctx, newParent, newName)
	if errno != 0 {
		return errno
	}
	if op.Bundle != np.Bundle {
		return syscall.EXDEV
	}

	var (
		moved  *Inode
		srcID  string
		srcDir bool
	)
	if ino, ok := fs.names.get(oldParent, oldName); ok {
		moved, _ = fs.inodes.get(ino)
	}
	if moved != nil {
		srcID, srcDir = moved.CloudID, moved.isDir()
	} else if info, err := store.LookUp(ctx, op.CloudID, oldName); err == nil {
		srcID, srcDir = info.CloudID, info.IsDirectory
		moved, _ = fs.inodes.findCloud(op.Bundle, info.CloudID)
	}

	replaced, replaceErr := store.LookUp(ctx, np.CloudID, newName)
	if err := store.Rename(ctx, op.CloudID, oldName, np.CloudID, newName); err != nil {
		fs.logger.Debug("rename refused by metadata store",
			"old_parent", oldParent, "old_name", oldName, "new_parent", newParent, "new_name", newName, "error", err)
		return storeErrno(err)
	}

	fs.names.erase(oldParent, oldName)
	fs.names.erase(newParent, newName)
	if moved != nil {
		moved.setLocation(newParent, newName)
		fs.names.insert(newParent, newName, moved.Ino)
	}
	if replaceErr == nil && !replaced.IsDirectory && replaced.CloudID != srcID {
		if err := fs.cfg.Layout.Remove(fs.cfg.UserID, np.Bundle, replaced.CloudID); err != nil {
			fs.logger.Warn("rename: removing replaced cache file", "cloud_id", replaced.CloudID, "error", err)
		}
	}

	fs.publish(ctx, notify.Event{
		Kind: notify.KindRename,
		Rename: &notify.RenamePair{
			OldParent: oldParent, OldName: oldName,
			NewParent: newParent, NewName: newName,
			IsDir: srcDir,
		},
	})
	return 0
}

// SetAttr truncates ino to size. When fh names a LOCAL handle its
// descriptor is truncated, otherwise the cache file by path. The metadata
// store is updated first and restored if the local truncate fails.
func (fs *FileSystem) SetAttr(ctx context.Context, ino uint64, size uint64, fh uint64) (attr Attr, errno syscall.Errno) {
	defer fs.record("setattr", time.Now(), 0, &errno)

	n, ok := fs.inodes.get(ino)
	if !ok || n.Layer != layerCloud {
		return Attr{}, syscall.EINVAL
	}
	if n.isDir() {
		return Attr{}, syscall.EISDIR
	}
	store, err := fs.store(ctx, n.Bundle)
	if err != nil {
		return Attr{}, syscall.EIO
	}
	cached := n.Attr().Size

	if err := store.SetAttr(ctx, n.CloudID, int64(size)); err != nil {
		fs.logger.Error("setattr: metadata update failed", "ino", ino, "error", err)
		return Attr{}, readErrno(err)
	}

	var truncErr error
	fd := -1
	if fh != 0 {
		if f, ok := fs.files.get(fh); ok {
			fd, _ = f.localFD()
		}
	}
	if fd >= 0 {
		truncErr = unix.Ftruncate(fd, int64(size))
	} else {
		path, err := fs.localPath(n)
		if err != nil {
			truncErr = err
		} else {
			truncErr = unix.Truncate(path, int64(size))
		}
	}
	if truncErr != nil {
		fs.logger.Error("setattr: local truncate failed", "ino", ino, "size", size, "error", truncErr)
		if err := store.SetAttr(ctx, n.CloudID, int64(cached)); err != nil {
			fs.logger.Warn("setattr: restoring size failed", "ino", ino, "error", err)
		}
		return Attr{}, osErrno(truncErr)
	}

	if info, err := store.GetAttr(ctx, n.CloudID); err == nil {
		n.refresh(info)
	}
	fs.publish(ctx, notify.Event{Kind: notify.KindSetAttr, Inode: ino, Bundle: n.Bundle, CloudID: n.CloudID})
	return n.Attr(), 0
}

// Release drops one reference to fh. The last reference closes the
// handle; a modified LOCAL file is handed to the metadata store and
// announced for upload.
func (fs *FileSystem) Release(ctx context.Context, fh uint64) (errno syscall.Errno) {
	defer fs.record("release", time.Now(), 0, &errno)

	f, ok := fs.files.get(fh)
	if !ok {
		return syscall.EINVAL
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return syscall.EINVAL
	}
	f.refs--
	if f.refs > 0 {
		f.mu.Unlock()
		return 0
	}
	f.closed = true
	mode, fd, session, dirty := f.mode, f.fd, f.session, f.dirty
	f.mu.Unlock()

	fs.files.remove(fh)
	defer fs.publishGauges()

	n, ok := fs.inodes.get(f.Ino)
	switch mode {
	case ModeLocal:
		if err := unix.Close(fd); err != nil {
			fs.logger.Warn("release: close failed", "fh", fh, "error", err)
		}
		if ok {
			fs.writeBack(ctx, n, dirty)
		}
	case ModeCloud:
		session.Close(false)
	}

	if ok {
		if store, err := fs.store(ctx, n.Bundle); err == nil {
			if info, err := store.GetAttr(ctx, n.CloudID); err == nil {
				n.refresh(info)
			}
		}
	}
	return 0
}

func (fs *FileSystem) writeBack(ctx context.Context, n *Inode, dirty DirtyMark) {
	store, err := fs.store(ctx, n.Bundle)
	if err != nil {
		fs.logger.Error("release: metadata store unavailable", "bundle", n.Bundle, "error", err)
		return
	}
	path, err := fs.localPath(n)
	if err != nil {
		return
	}

	if dirty == DirtyNone {
		pos, err := store.GetXAttr(ctx, n.CloudID, metastore.XAttrPosition)
		if err != nil || pos != positionLocalOnly {
			return
		}
		if err := store.Write(ctx, n.CloudID, path); err != nil {
			fs.logger.Error("release: write-back failed", "cloud_id", n.CloudID, "error", err)
		}
		return
	}

	if err := store.Write(ctx, n.CloudID, path); err != nil {
		fs.logger.Error("release: write-back failed", "cloud_id", n.CloudID, "error", err)
		return
	}
	ev := notify.Event{Kind: notify.KindWrite, Inode: n.Ino, Bundle: n.Bundle, CloudID: n.CloudID}
	if dt, err := store.GetDirtyType(ctx, n.CloudID); err == nil {
		ev.DirtyType = notify.DirtyTypeOf(int(dt))
	}
	fs.publish(ctx, ev)
}

var positionLocalOnly = strconv.Itoa(int(metastore.PositionLocal))
