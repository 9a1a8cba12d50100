package clouddisk

import (
	"context"
	"strconv"
	"syscall"
	"time"

	"github.com/clouddiskfs/clouddiskfs/internal/metastore"
	"github.com/clouddiskfs/clouddiskfs/internal/notify"
)

// Extended attribute names understood by the filesystem.
const (
	XattrHmdfsPermission = "user.hmdfs.perm"
	XattrCloudLocation   = "user.cloud.location"
	XattrCloudRecycle    = "user.cloud.recycle"
	XattrCloudFavorite   = "user.cloud.favorite"
	XattrCloudID         = "user.cloud.cloudid"
	XattrCloudFileStatus = "user.cloud.filestatus"
)

// AttrKind is the decoded form of an attribute name.
type AttrKind int

const (
	AttrUnknown AttrKind = iota
	AttrHmdfsPermission
	AttrLocation
	AttrRecycle
	AttrFavorite
	AttrCloudID
	AttrFileStatus
)

// ParseAttrKind maps an attribute name to its kind.
func ParseAttrKind(name string) AttrKind {
	switch name {
	case XattrHmdfsPermission:
		return AttrHmdfsPermission
	case XattrCloudLocation:
		return AttrLocation
	case XattrCloudRecycle:
		return AttrRecycle
	case XattrCloudFavorite:
		return AttrFavorite
	case XattrCloudID:
		return AttrCloudID
	case XattrCloudFileStatus:
		return AttrFileStatus
	default:
		return AttrUnknown
	}
}

// SetXattr writes attribute name of ino. The permission attribute is
// accepted and ignored.
func (fs *FileSystem) SetXattr(ctx context.Context, ino uint64, name string, value []byte) (errno syscall.Errno) {
	defer fs.record("setxattr", time.Now(), 0, &errno)

	var key metastore.XAttrKey
	switch ParseAttrKind(name) {
	case AttrHmdfsPermission:
		return 0
	case AttrLocation:
		key = metastore.XAttrPosition
	case AttrRecycle:
		key = metastore.XAttrRecycle
	case AttrFavorite:
		key = metastore.XAttrFavorite
	default:
		return syscall.EINVAL
	}

	n, ok := fs.inodes.get(ino)
	if !ok || n.Layer != layerCloud {
		return syscall.EINVAL
	}
	store, err := fs.store(ctx, n.Bundle)
	if err != nil {
		return syscall.EIO
	}
	if err := store.SetXAttr(ctx, n.CloudID, key, string(value)); err != nil {
		fs.logger.Error("setxattr failed", "ino", ino, "name", name, "error", err)
		return readErrno(err)
	}
	fs.publish(ctx, notify.Event{Kind: notify.KindSetAttr, Inode: ino, Bundle: n.Bundle, CloudID: n.CloudID})
	return 0
}

// GetXattr copies attribute name of ino into dest. An empty dest asks
// for the value's length only; a dest that is too small yields ERANGE.
func (fs *FileSystem) GetXattr(ctx context.Context, ino uint64, name string, dest []byte) (sz uint32, errno syscall.Errno) {
	defer fs.record("getxattr", time.Now(), 0, &errno)

	n, ok := fs.inodes.get(ino)
	if !ok {
		return 0, syscall.ENODATA
	}

	var value string
	switch kind := ParseAttrKind(name); kind {
	case AttrHmdfsPermission:
		value = strconv.Itoa(n.Layer + layerCloud)
	case AttrCloudID:
		if n.Layer != layerCloud {
			return 0, syscall.ENODATA
		}
		value = n.CloudID
	case AttrFavorite, AttrFileStatus:
		if n.Layer != layerCloud {
			return 0, syscall.ENODATA
		}
		key := metastore.XAttrFavorite
		if kind == AttrFileStatus {
			key = metastore.XAttrFileStatus
		}
		store, err := fs.store(ctx, n.Bundle)
		if err != nil {
			return 0, syscall.ENODATA
		}
		value, err = store.GetXAttr(ctx, n.CloudID, key)
		if err != nil {
			fs.logger.Debug("getxattr failed", "ino", ino, "name", name, "error", err)
			return 0, syscall.ENODATA
		}
	default:
		return 0, syscall.ENODATA
	}

	return copyXattr(value, dest)
}

func copyXattr(value string, dest []byte) (uint32, syscall.Errno) {
	if value == "" {
		return 0, 0
	}
	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	return uint32(copy(dest, value)), 0
}
