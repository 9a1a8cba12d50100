package fuse

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clouddiskfs/clouddiskfs/internal/cachelayout"
	"github.com/clouddiskfs/clouddiskfs/internal/clouddisk"
	"github.com/clouddiskfs/clouddiskfs/internal/dirent"
	"github.com/clouddiskfs/clouddiskfs/internal/drivekit/memkit"
	"github.com/clouddiskfs/clouddiskfs/internal/metastore"
)

const testBundle = "com.example.docs"

func newTestFS(t *testing.T) *FileSystem {
	t.Helper()
	manager, err := metastore.NewManager(metastore.ManagerConfig{Directory: t.TempDir(), MaxOpenStores: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	cacheRoot := t.TempDir()
	core, err := clouddisk.New(clouddisk.Config{
		UserID:  100,
		Bundles: []string{testBundle},
		Stores:  clouddisk.NewManagerProvider(manager, 100),
		Kit:     memkit.New(),
		Layout:  cachelayout.New(cacheRoot, 4),
	})
	require.NoError(t, err)
	return NewFileSystem(core, Config{AttrTimeout: time.Second, EntryTimeout: time.Second, StatRoot: cacheRoot})
}

func header(ino uint64) fuse.InHeader {
	return fuse.InHeader{NodeId: ino}
}

func TestLookupAndGetAttr(t *testing.T) {
	fs := newTestFS(t)

	var entry fuse.EntryOut
	require.Equal(t, fuse.OK, fs.Lookup(nil, &fuse.InHeader{NodeId: clouddisk.RootIno}, testBundle, &entry))
	assert.NotZero(t, entry.NodeId)
	assert.True(t, entry.IsDir())
	assert.Equal(t, time.Second, entry.EntryTimeout())

	var attr fuse.AttrOut
	require.Equal(t, fuse.OK, fs.GetAttr(nil, &fuse.GetAttrIn{InHeader: header(entry.NodeId)}, &attr))
	assert.Equal(t, entry.NodeId, attr.Ino)

	assert.Equal(t, fuse.ENOENT, fs.Lookup(nil, &fuse.InHeader{NodeId: clouddisk.RootIno}, "com.example.none", &entry))
	assert.Equal(t, fuse.ENOSYS, fs.Access(nil, &fuse.AccessIn{InHeader: header(clouddisk.RootIno)}))
}

func TestCreateWriteReadThroughAdapter(t *testing.T) {
	fs := newTestFS(t)

	var bundle fuse.EntryOut
	require.Equal(t, fuse.OK, fs.Lookup(nil, &fuse.InHeader{NodeId: clouddisk.RootIno}, testBundle, &bundle))

	var created fuse.CreateOut
	in := &fuse.CreateIn{InHeader: header(bundle.NodeId), Flags: uint32(os.O_RDWR), Mode: 0o644}
	require.Equal(t, fuse.OK, fs.Create(nil, in, "report.txt", &created))
	assert.True(t, created.Attr.IsRegular())
	fh := created.Fh

	n, st := fs.Write(nil, &fuse.WriteIn{Fh: fh, Offset: 0}, []byte("quarterly"))
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, uint32(9), n)

	res, st := fs.Read(nil, &fuse.ReadIn{Fh: fh, Offset: 2, Size: 64}, make([]byte, 64))
	require.Equal(t, fuse.OK, st)
	data, _ := res.Bytes(nil)
	assert.Equal(t, "arterly", string(data))

	var pos fuse.LseekOut
	require.Equal(t, fuse.OK, fs.Lseek(nil, &fuse.LseekIn{Fh: fh, Offset: 4, Whence: 0}, &pos))
	assert.Equal(t, uint64(4), pos.Offset)

	var attr fuse.AttrOut
	setIn := &fuse.SetAttrIn{}
	setIn.NodeId = created.NodeId
	setIn.Valid = fuse.FATTR_SIZE | fuse.FATTR_FH
	setIn.Size = 3
	setIn.Fh = fh
	require.Equal(t, fuse.OK, fs.SetAttr(nil, setIn, &attr))
	assert.Equal(t, uint64(3), attr.Size)

	fs.Release(nil, &fuse.ReleaseIn{Fh: fh})
	_, st = fs.Read(nil, &fuse.ReadIn{Fh: fh, Size: 1}, nil)
	assert.Equal(t, fuse.EINVAL, st)

	var opened fuse.OpenOut
	require.Equal(t, fuse.OK, fs.Open(nil, &fuse.OpenIn{InHeader: header(created.NodeId)}, &opened))
	assert.NotEqual(t, fh, opened.Fh)
	fs.Release(nil, &fuse.ReleaseIn{Fh: opened.Fh})
}

func TestReadDirThroughAdapter(t *testing.T) {
	fs := newTestFS(t)

	var bundle fuse.EntryOut
	require.Equal(t, fuse.OK, fs.Lookup(nil, &fuse.InHeader{NodeId: clouddisk.RootIno}, testBundle, &bundle))
	for _, name := range []string{"a", "b"} {
		var out fuse.EntryOut
		require.Equal(t, fuse.OK, fs.Mkdir(nil, &fuse.MkdirIn{InHeader: header(bundle.NodeId), Mode: 0o755}, name, &out))
	}

	var open fuse.OpenOut
	require.Equal(t, fuse.OK, fs.OpenDir(nil, &fuse.OpenIn{InHeader: header(bundle.NodeId)}, &open))

	list := fuse.NewDirEntryList(make([]byte, 4096), 0)
	require.Equal(t, fuse.OK, fs.ReadDir(nil, &fuse.ReadIn{InHeader: header(bundle.NodeId), Size: 4096}, list))
	assert.Equal(t, uint64(dirent.Size("a")+dirent.Size("b")), list.Offset)

	assert.Equal(t, fuse.OK, fs.Rmdir(nil, &fuse.InHeader{NodeId: bundle.NodeId}, "a"))
	assert.Equal(t, fuse.ENOENT, fs.Rmdir(nil, &fuse.InHeader{NodeId: bundle.NodeId}, "a"))
}

func TestXAttrThroughAdapter(t *testing.T) {
	fs := newTestFS(t)

	sz, st := fs.GetXAttr(nil, &fuse.InHeader{NodeId: clouddisk.RootIno}, clouddisk.XattrHmdfsPermission, nil)
	require.Equal(t, fuse.OK, st)
	require.Equal(t, uint32(1), sz)

	dest := make([]byte, sz)
	_, st = fs.GetXAttr(nil, &fuse.InHeader{NodeId: clouddisk.RootIno}, clouddisk.XattrHmdfsPermission, dest)
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, "2", string(dest))

	_, st = fs.GetXAttr(nil, &fuse.InHeader{NodeId: clouddisk.RootIno}, "user.unknown", nil)
	assert.Equal(t, fuse.ENODATA, st)
	st = fs.SetXAttr(nil, &fuse.SetXAttrIn{InHeader: header(clouddisk.RootIno)}, "user.unknown", []byte("1"))
	assert.Equal(t, fuse.EINVAL, st)
}

func TestMknodRejectsSpecialFiles(t *testing.T) {
	fs := newTestFS(t)
	var out fuse.EntryOut
	st := fs.Mknod(nil, &fuse.MknodIn{InHeader: header(clouddisk.RootIno), Mode: syscall.S_IFIFO | 0o644}, "pipe", &out)
	assert.Equal(t, fuse.EPERM, st)
}

func TestStatFs(t *testing.T) {
	fs := newTestFS(t)
	var out fuse.StatfsOut
	require.Equal(t, fuse.OK, fs.StatFs(nil, &fuse.InHeader{}, &out))
	assert.NotZero(t, out.Bsize)
}

func TestRequestContextCancels(t *testing.T) {
	cancel := make(chan struct{})
	ctx, stop := requestContext(cancel)
	defer stop()
	close(cancel)
	select {
	case <-ctx.Done():
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
}

func TestIsMountPoint(t *testing.T) {
	table := filepath.Join(t.TempDir(), "mounts")
	content := "proc /proc proc rw 0 0\nclouddiskfs /mnt/cloud fuse.clouddiskfs rw 0 0\n"
	require.NoError(t, os.WriteFile(table, []byte(content), 0o644))

	mounted, err := isMountPoint(table, "/mnt/cloud")
	require.NoError(t, err)
	assert.True(t, mounted)

	mounted, err = isMountPoint(table, "/mnt")
	require.NoError(t, err)
	assert.False(t, mounted)
}

func TestMountRejectsMissingDirectory(t *testing.T) {
	fs := newTestFS(t)
	mm := NewMountManager(fs, filepath.Join(t.TempDir(), "missing"), MountOptions{})
	assert.Error(t, mm.Mount())
	assert.False(t, mm.IsMounted())
	assert.Error(t, mm.Unmount())
}
