package clouddisk

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"syscall"
	"time"

	"github.com/clouddiskfs/clouddiskfs/internal/cachelayout"
	"github.com/clouddiskfs/clouddiskfs/internal/drivekit"
	"github.com/clouddiskfs/clouddiskfs/internal/metastore"
	"github.com/clouddiskfs/clouddiskfs/internal/metrics"
	"github.com/clouddiskfs/clouddiskfs/internal/notify"
	cderrors "github.com/clouddiskfs/clouddiskfs/pkg/errors"
	"github.com/clouddiskfs/clouddiskfs/pkg/utils"
)

// DefaultMaxReadSize bounds a single cloud read.
const DefaultMaxReadSize = 4 * 1024 * 1024

// MetaStore is the per-bundle metadata store as used by the filesystem.
// *metastore.Store implements it.
type MetaStore interface {
	LookUp(ctx context.Context, parentCloudID, name string) (metastore.ChildInfo, error)
	GetAttr(ctx context.Context, cloudID string) (metastore.ChildInfo, error)
	Create(ctx context.Context, cloudID, parentCloudID, name string) error
	MkDir(ctx context.Context, cloudID, parentCloudID, name string) error
	Unlink(ctx context.Context, parentCloudID, name string) (string, error)
	Rename(ctx context.Context, oldParent, oldName, newParent, newName string) error
	ReadDir(ctx context.Context, cloudID string) ([]metastore.ChildInfo, error)
	GetHasChild(ctx context.Context, cloudID string) (bool, error)
	GetDirtyType(ctx context.Context, cloudID string) (metastore.DirtyType, error)
	SetAttr(ctx context.Context, cloudID string, size int64) error
	Write(ctx context.Context, cloudID, localPath string) error
	GetXAttr(ctx context.Context, cloudID string, key metastore.XAttrKey) (string, error)
	SetXAttr(ctx context.Context, cloudID string, key metastore.XAttrKey, value string) error
}

// StoreProvider resolves the metadata store of a bundle.
type StoreProvider interface {
	Store(ctx context.Context, bundle string) (MetaStore, error)
}

type managerProvider struct {
	manager *metastore.Manager
	userID  int
}

// NewManagerProvider serves stores from a metastore.Manager for one user.
func NewManagerProvider(m *metastore.Manager, userID int) StoreProvider {
	return managerProvider{manager: m, userID: userID}
}

func (p managerProvider) Store(ctx context.Context, bundle string) (MetaStore, error) {
	s, err := p.manager.Get(ctx, bundle, p.userID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Publisher receives change events.
type Publisher interface {
	Publish(ctx context.Context, ev notify.Event)
}

// Config wires a FileSystem to its collaborators.
type Config struct {
	UserID      int
	Bundles     []string
	Uid         uint32
	Gid         uint32
	MaxReadSize int

	Stores   StoreProvider
	Kit      drivekit.Kit
	Layout   *cachelayout.Layout
	Notifier Publisher
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// FileSystem implements the Cloud Disk handlers. It is safe for
// concurrent use; each call runs to completion on the caller's goroutine.
type FileSystem struct {
	cfg     Config
	logger  *slog.Logger
	inodes  *inodeTable
	files   *fileTable
	names   *nameCache
	root    *Inode
	bundles []*Inode
}

// New builds a FileSystem with the root and one directory per bundle.
func New(cfg Config) (*FileSystem, error) {
	if cfg.Stores == nil || cfg.Kit == nil || cfg.Layout == nil {
		return nil, cderrors.NewError(cderrors.ErrCodeMissingConfig, "stores, drive kit and cache layout are required").
			WithComponent("clouddisk")
	}
	for _, b := range cfg.Bundles {
		if err := utils.ValidateName(b); err != nil {
			return nil, cderrors.Wrap(cderrors.ErrCodeInvalidConfig, err, "invalid bundle name").
				WithComponent("clouddisk").WithContext("bundle", b)
		}
	}
	if cfg.MaxReadSize <= 0 {
		cfg.MaxReadSize = DefaultMaxReadSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fs := &FileSystem{
		cfg:    cfg,
		logger: logger.With("component", "clouddisk"),
		inodes: newInodeTable(),
		files:  newFileTable(),
		names:  newNameCache(),
	}

	now := time.Now()
	dirAttr := Attr{Mode: modeDir, Nlink: nlinkDir, Uid: cfg.Uid, Gid: cfg.Gid, Atime: now, Mtime: now, Ctime: now}

	fs.root = &Inode{Ino: RootIno, CloudID: metastore.RootCloudID, Layer: layerRoot, attr: dirAttr}
	fs.inodes.pin(fs.root)

	for _, b := range slices.Compact(slices.Sorted(slices.Values(cfg.Bundles))) {
		n := &Inode{Bundle: b, CloudID: metastore.RootCloudID, Layer: layerBundle, parent: RootIno, name: b, attr: dirAttr}
		fs.inodes.pin(n)
		fs.names.insert(RootIno, b, n.Ino)
		fs.bundles = append(fs.bundles, n)
	}
	fs.publishGauges()
	return fs, nil
}

// GetAttr returns the cached attributes of ino.
func (fs *FileSystem) GetAttr(ctx context.Context, ino uint64) (attr Attr, errno syscall.Errno) {
	defer fs.record("getattr", time.Now(), 0, &errno)

	n, ok := fs.inodes.get(ino)
	if !ok {
		return Attr{}, syscall.EINVAL
	}
	return n.Attr(), 0
}

// Access defers permission checks to the kernel.
func (fs *FileSystem) Access(ctx context.Context, ino uint64, mask uint32) syscall.Errno {
	return syscall.ENOSYS
}

// Forget drops nlookup references to ino. An inode whose count reaches
// zero leaves the inode table and the name cache.
func (fs *FileSystem) Forget(ino, nlookup uint64) {
	if evicted := fs.inodes.forget(ino, nlookup); evicted != nil {
		fs.names.eraseIno(ino)
		fs.logger.Debug("inode evicted", "ino", ino, "cloud_id", evicted.CloudID)
	}
	fs.publishGauges()
}

// ForgetRequest is one entry of BatchForget.
type ForgetRequest struct {
	Ino     uint64
	Nlookup uint64
}

// BatchForget applies Forget to every entry.
func (fs *FileSystem) BatchForget(reqs []ForgetRequest) {
	for _, r := range reqs {
		fs.Forget(r.Ino, r.Nlookup)
	}
}

// LookupCount returns the kernel reference count of ino.
func (fs *FileSystem) LookupCount(ino uint64) int64 {
	return fs.inodes.refs(ino)
}

func (fs *FileSystem) bundleByName(name string) (*Inode, bool) {
	for _, b := range fs.bundles {
		if b.Bundle == name {
			return b, true
		}
	}
	return nil, false
}

func (fs *FileSystem) store(ctx context.Context, bundle string) (MetaStore, error) {
	return fs.cfg.Stores.Store(ctx, bundle)
}

func (fs *FileSystem) database(bundle string) (drivekit.Database, error) {
	c, err := fs.cfg.Kit.GetDefaultContainer(bundle)
	if err != nil {
		return nil, err
	}
	return c.GetPrivateDatabase()
}

func (fs *FileSystem) localPath(n *Inode) (string, error) {
	return fs.cfg.Layout.CloudPath(fs.cfg.UserID, n.Bundle, n.CloudID)
}

func localExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (fs *FileSystem) publish(ctx context.Context, ev notify.Event) {
	if fs.cfg.Notifier == nil {
		return
	}
	fs.cfg.Notifier.Publish(ctx, ev)
}

func (fs *FileSystem) record(op string, start time.Time, size int64, errno *syscall.Errno) {
	fs.cfg.Metrics.RecordOperation(op, time.Since(start), size, *errno)
}

func (fs *FileSystem) publishGauges() {
	fs.cfg.Metrics.SetInodes(fs.inodes.len())
	fs.cfg.Metrics.SetOpenHandles(fs.files.len())
}
