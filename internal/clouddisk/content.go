package clouddisk

import (
	"context"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/clouddiskfs/clouddiskfs/internal/drivekit"
)

// Open opens ino for I/O. A nonzero fh naming a live handle is reused
// with its reference count raised. Otherwise the local cache file is
// opened when it exists, and a cloud read session is started when it
// does not.
func (fs *FileSystem) Open(ctx context.Context, ino uint64, flags int, fh uint64) (out uint64, errno syscall.Errno) {
	defer fs.record("open", time.Now(), 0, &errno)

	n, ok := fs.inodes.get(ino)
	if !ok {
		return 0, syscall.EINVAL
	}
	if n.isDir() {
		return 0, syscall.EISDIR
	}
	if fh != 0 {
		if f, ok := fs.files.get(fh); ok && f.Ino == ino && f.retain() {
			return f.Fh, 0
		}
	}

	path, err := fs.localPath(n)
	if err != nil {
		fs.logger.Error("open: cache path", "ino", ino, "cloud_id", n.CloudID, "error", err)
		return 0, syscall.EINVAL
	}

	if localExists(path) {
		fd, err := unix.Open(path, localOpenFlags(flags), 0)
		if err != nil {
			fs.logger.Error("open local file failed", "path", path, "error", err)
			return 0, osErrno(err)
		}
		f := fs.files.newLocal(ino, fd, DirtyNone)
		fs.publishGauges()
		fs.logger.Debug("opened", "ino", ino, "fh", f.Fh, "mode", ModeLocal)
		return f.Fh, 0
	}

	db, err := fs.database(n.Bundle)
	if err != nil {
		fs.logger.Error("open: drive database unavailable", "bundle", n.Bundle, "error", err)
		return 0, syscall.EACCES
	}
	session := db.NewAssetReadSession(drivekit.RecordTypeFile, n.CloudID, drivekit.AssetFieldContent, path)
	if session == nil {
		return 0, syscall.EACCES
	}
	if err := session.InitSession(ctx); err != nil {
		fs.logger.Error("open: cloud session init failed", "ino", ino, "cloud_id", n.CloudID, "error", err)
		session.Close(true)
		return 0, syscall.EACCES
	}
	f := fs.files.newCloud(ino, session)
	fs.publishGauges()
	fs.logger.Debug("opened", "ino", ino, "fh", f.Fh, "mode", ModeCloud)
	return f.Fh, 0
}

// localOpenFlags adapts kernel open flags for the cache file. Write-only
// opens become read-write, and append and direct I/O are left to the kernel.
func localOpenFlags(flags int) int {
	if flags&unix.O_ACCMODE == unix.O_WRONLY {
		flags = flags&^unix.O_ACCMODE | unix.O_RDWR
	}
	return flags&^(unix.O_APPEND|unix.O_DIRECT|unix.O_CREAT|unix.O_EXCL|unix.O_TRUNC) | unix.O_CLOEXEC
}

// Read reads up to size bytes at off through handle fh.
func (fs *FileSystem) Read(ctx context.Context, fh uint64, off int64, size int) (data []byte, errno syscall.Errno) {
	start := time.Now()
	defer func() { fs.record("read", start, int64(len(data)), &errno) }()

	f, ok := fs.files.get(fh)
	if !ok {
		return nil, syscall.EINVAL
	}
	if size < 0 || off < 0 {
		return nil, syscall.EINVAL
	}

	switch f.Mode() {
	case ModeLocal:
		fd, ok := f.localFD()
		if !ok {
			return nil, syscall.EBADF
		}
		buf := make([]byte, size)
		nr, err := unix.Pread(fd, buf, off)
		if err != nil {
			return nil, osErrno(err)
		}
		return buf[:nr], 0

	case ModeCloud:
		if size > fs.cfg.MaxReadSize {
			fs.logger.Error("cloud read too large", "fh", fh, "size", size, "max", fs.cfg.MaxReadSize)
			return nil, syscall.EINVAL
		}
		session, ok := f.cloudSession()
		if !ok {
			return nil, syscall.EBADF
		}
		buf := make([]byte, size)
		nr, err := session.PRead(ctx, off, buf)
		if err != nil {
			fs.logger.Error("cloud read failed", "fh", fh, "offset", off, "size", size, "error", err)
			return nil, cloudErrno(err)
		}
		if n, ok := fs.inodes.get(f.Ino); ok {
			fs.cfg.Metrics.RecordCloudRead(n.Bundle, nr)
		}
		return buf[:nr], 0

	default:
		return nil, syscall.EINVAL
	}
}

// Write writes data at off through a LOCAL handle and marks it dirty.
// Cloud handles are read-only.
func (fs *FileSystem) Write(ctx context.Context, fh uint64, off int64, data []byte) (written uint32, errno syscall.Errno) {
	defer fs.record("write", time.Now(), int64(len(data)), &errno)

	f, ok := fs.files.get(fh)
	if !ok {
		return 0, syscall.EINVAL
	}
	fd, ok := f.localFD()
	if !ok {
		return 0, syscall.EINVAL
	}
	nw, err := unix.Pwrite(fd, data, off)
	if err != nil {
		fs.logger.Error("local write failed", "fh", fh, "offset", off, "error", err)
		return 0, osErrno(err)
	}
	f.markDirty(DirtyWritten)
	return uint32(nw), 0
}

// Lseek repositions a LOCAL handle. Cloud handles cannot seek.
func (fs *FileSystem) Lseek(ctx context.Context, fh uint64, off int64, whence int) (pos int64, errno syscall.Errno) {
	defer fs.record("lseek", time.Now(), 0, &errno)

	f, ok := fs.files.get(fh)
	if !ok {
		return 0, syscall.EINVAL
	}
	if f.Mode() == ModeCloud {
		return 0, syscall.ENOSYS
	}
	fd, ok := f.localFD()
	if !ok {
		return 0, syscall.EBADF
	}
	pos, err := unix.Seek(fd, off, whence)
	if err != nil {
		return 0, osErrno(err)
	}
	return pos, 0
}
