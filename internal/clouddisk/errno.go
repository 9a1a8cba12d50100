package clouddisk

import (
	"errors"
	"syscall"

	"github.com/clouddiskfs/clouddiskfs/internal/drivekit"
	cderrors "github.com/clouddiskfs/clouddiskfs/pkg/errors"
)

// cloudErrno maps a drive kit failure onto the errno vocabulary.
func cloudErrno(err error) syscall.Errno {
	de, ok := drivekit.AsError(err)
	if !ok {
		return syscall.EIO
	}
	switch de.Domain {
	case drivekit.DomainNetwork:
		return syscall.ENOTCONN
	case drivekit.DomainServer:
		return syscall.EIO
	case drivekit.DomainLocal:
		if de.LocalCode == drivekit.LocalCodeDownloadRequest {
			return syscall.ENOTCONN
		}
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

// storeErrno maps a metadata store refusal on a namespace mutation
// (create, mkdir, rename, unlink).
func storeErrno(err error) syscall.Errno {
	switch {
	case cderrors.IsNotFound(err):
		return syscall.ENOENT
	case cderrors.HasCode(err, cderrors.ErrCodeObjectExists):
		return syscall.EEXIST
	case cderrors.HasCode(err, cderrors.ErrCodeNotEmpty):
		return syscall.ENOTEMPTY
	default:
		return syscall.EOPNOTSUPP
	}
}

// readErrno maps a metadata store failure on a read-style query.
func readErrno(err error) syscall.Errno {
	switch {
	case cderrors.IsNotFound(err):
		return syscall.ENOENT
	case cderrors.HasCode(err, cderrors.ErrCodeValidationFailed):
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

// osErrno passes a platform error number through unchanged.
func osErrno(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}

// toErrno picks the translation matching the error's origin.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if _, ok := drivekit.AsError(err); ok {
		return cloudErrno(err)
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return readErrno(err)
}
