package fuse

import (
	"context"
	"log/slog"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/clouddiskfs/clouddiskfs/internal/clouddisk"
	"github.com/clouddiskfs/clouddiskfs/internal/dirent"
)

// Config holds the kernel-facing settings of the adapter.
type Config struct {
	AttrTimeout  time.Duration
	EntryTimeout time.Duration
	// StatRoot is the directory whose filesystem backs statfs replies.
	StatRoot string
	Logger   *slog.Logger
}

// FileSystem exposes a clouddisk.FileSystem through the go-fuse raw API.
// Inode numbers and file handles are passed through unchanged.
type FileSystem struct {
	fuse.RawFileSystem

	core   *clouddisk.FileSystem
	config Config
	logger *slog.Logger
}

// NewFileSystem wraps core. Operations core does not implement answer ENOSYS.
func NewFileSystem(core *clouddisk.FileSystem, config Config) *FileSystem {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSystem{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		core:          core,
		config:        config,
		logger:        logger.With("component", "fuse"),
	}
}

func (fs *FileSystem) String() string { return "clouddiskfs" }

// requestContext derives a context cancelled when the kernel interrupts the request.
func requestContext(cancel <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, stop := context.WithCancel(context.Background())
	if cancel != nil {
		go func() {
			select {
			case <-cancel:
				stop()
			case <-ctx.Done():
			}
		}()
	}
	return ctx, stop
}

func status(errno syscall.Errno) fuse.Status {
	return fuse.Status(errno)
}

func fillAttr(out *fuse.Attr, a clouddisk.Attr) {
	out.Ino = a.Ino
	out.Size = a.Size
	out.Blocks = (a.Size + 511) / 512
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	out.Owner = fuse.Owner{Uid: a.Uid, Gid: a.Gid}
	out.Blksize = 4096
	out.SetTimes(&a.Atime, &a.Mtime, &a.Ctime)
}

func (fs *FileSystem) fillEntry(out *fuse.EntryOut, e clouddisk.Entry) {
	out.NodeId = e.Ino
	out.SetEntryTimeout(fs.config.EntryTimeout)
	out.SetAttrTimeout(fs.config.AttrTimeout)
	fillAttr(&out.Attr, e.Attr)
}

func (fs *FileSystem) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	ctx, stop := requestContext(cancel)
	defer stop()

	e, errno := fs.core.Lookup(ctx, header.NodeId, name)
	if errno != 0 {
		return status(errno)
	}
	fs.fillEntry(out, e)
	return fuse.OK
}

func (fs *FileSystem) Forget(nodeid, nlookup uint64) {
	fs.core.Forget(nodeid, nlookup)
}

func (fs *FileSystem) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	ctx, stop := requestContext(cancel)
	defer stop()

	a, errno := fs.core.GetAttr(ctx, input.NodeId)
	if errno != 0 {
		return status(errno)
	}
	out.SetTimeout(fs.config.AttrTimeout)
	fillAttr(&out.Attr, a)
	return fuse.OK
}

// SetAttr only applies size changes; other attribute updates are
// accepted and report the current attributes.
func (fs *FileSystem) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	ctx, stop := requestContext(cancel)
	defer stop()

	var (
		a     clouddisk.Attr
		errno syscall.Errno
	)
	if size, ok := input.GetSize(); ok {
		fh, _ := input.GetFh()
		a, errno = fs.core.SetAttr(ctx, input.NodeId, size, fh)
	} else {
		a, errno = fs.core.GetAttr(ctx, input.NodeId)
	}
	if errno != 0 {
		return status(errno)
	}
	out.SetTimeout(fs.config.AttrTimeout)
	fillAttr(&out.Attr, a)
	return fuse.OK
}

func (fs *FileSystem) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	ctx, stop := requestContext(cancel)
	defer stop()
	return status(fs.core.Access(ctx, input.NodeId, input.Mask))
}

func (fs *FileSystem) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	if input.Mode&syscall.S_IFMT != syscall.S_IFREG && input.Mode&syscall.S_IFMT != 0 {
		return fuse.EPERM
	}
	ctx, stop := requestContext(cancel)
	defer stop()

	e, errno := fs.core.MkNod(ctx, input.NodeId, name, input.Mode)
	if errno != 0 {
		return status(errno)
	}
	fs.fillEntry(out, e)
	return fuse.OK
}

func (fs *FileSystem) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	ctx, stop := requestContext(cancel)
	defer stop()

	e, errno := fs.core.MkDir(ctx, input.NodeId, name, input.Mode)
	if errno != 0 {
		return status(errno)
	}
	fs.fillEntry(out, e)
	return fuse.OK
}

func (fs *FileSystem) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	ctx, stop := requestContext(cancel)
	defer stop()
	return status(fs.core.Unlink(ctx, header.NodeId, name))
}

func (fs *FileSystem) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	ctx, stop := requestContext(cancel)
	defer stop()
	return status(fs.core.RmDir(ctx, header.NodeId, name))
}

func (fs *FileSystem) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	ctx, stop := requestContext(cancel)
	defer stop()
	return status(fs.core.Rename(ctx, input.NodeId, oldName, input.Newdir, newName, input.Flags))
}

func (fs *FileSystem) GetXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string, dest []byte) (uint32, fuse.Status) {
	ctx, stop := requestContext(cancel)
	defer stop()

	sz, errno := fs.core.GetXattr(ctx, header.NodeId, attr, dest)
	return sz, status(errno)
}

func (fs *FileSystem) SetXAttr(cancel <-chan struct{}, input *fuse.SetXAttrIn, attr string, data []byte) fuse.Status {
	ctx, stop := requestContext(cancel)
	defer stop()
	return status(fs.core.SetXattr(ctx, input.NodeId, attr, data))
}

func (fs *FileSystem) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	ctx, stop := requestContext(cancel)
	defer stop()

	e, fh, errno := fs.core.Create(ctx, input.NodeId, name, input.Mode, int(input.Flags))
	if errno != 0 {
		return status(errno)
	}
	fs.fillEntry(&out.EntryOut, e)
	out.Fh = fh
	return fuse.OK
}

func (fs *FileSystem) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	ctx, stop := requestContext(cancel)
	defer stop()

	fh, errno := fs.core.Open(ctx, input.NodeId, int(input.Flags), 0)
	if errno != 0 {
		return status(errno)
	}
	out.Fh = fh
	return fuse.OK
}

func (fs *FileSystem) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	ctx, stop := requestContext(cancel)
	defer stop()

	data, errno := fs.core.Read(ctx, input.Fh, int64(input.Offset), int(input.Size))
	if errno != 0 {
		return nil, status(errno)
	}
	return fuse.ReadResultData(data), fuse.OK
}

func (fs *FileSystem) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	ctx, stop := requestContext(cancel)
	defer stop()

	n, errno := fs.core.Write(ctx, input.Fh, int64(input.Offset), data)
	return n, status(errno)
}

func (fs *FileSystem) Lseek(cancel <-chan struct{}, in *fuse.LseekIn, out *fuse.LseekOut) fuse.Status {
	ctx, stop := requestContext(cancel)
	defer stop()

	pos, errno := fs.core.Lseek(ctx, in.Fh, int64(in.Offset), int(in.Whence))
	if errno != 0 {
		return status(errno)
	}
	out.Offset = uint64(pos)
	return fuse.OK
}

func (fs *FileSystem) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	ctx, stop := requestContext(nil)
	defer stop()

	if errno := fs.core.Release(ctx, input.Fh); errno != 0 {
		fs.logger.Debug("release failed", "fh", input.Fh, "errno", errno)
	}
}

// OpenDir needs no per-open state; ReadDir works from the cursor alone.
func (fs *FileSystem) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	ctx, stop := requestContext(cancel)
	defer stop()

	a, errno := fs.core.GetAttr(ctx, input.NodeId)
	if errno != 0 {
		return status(errno)
	}
	if !a.IsDir() {
		return fuse.ENOTDIR
	}
	return fuse.OK
}

func (fs *FileSystem) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	ctx, stop := requestContext(cancel)
	defer stop()

	buf, errno := fs.core.ReadDir(ctx, input.NodeId, input.Offset, int(input.Size))
	if errno != 0 {
		return status(errno)
	}
	entries, err := dirent.Decode(buf)
	if err != nil {
		fs.logger.Error("malformed directory listing", "ino", input.NodeId, "error", err)
		return fuse.EIO
	}
	for _, e := range entries {
		if !out.AddDirEntry(fuse.DirEntry{Mode: e.Type << 12, Name: e.Name, Ino: e.Ino, Off: e.Off}) {
			break
		}
	}
	return fuse.OK
}

func (fs *FileSystem) StatFs(cancel <-chan struct{}, header *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	if fs.config.StatRoot == "" {
		return fuse.ENOSYS
	}
	var st unix.Statfs_t
	if err := unix.Statfs(fs.config.StatRoot, &st); err != nil {
		return fuse.ToStatus(err)
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = uint32(st.Bsize)
	out.Frsize = uint32(st.Frsize)
	out.NameLen = uint32(st.Namelen)
	return fuse.OK
}
