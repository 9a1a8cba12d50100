package metastore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/clouddiskfs/clouddiskfs/internal/dirent"
	cderrors "github.com/clouddiskfs/clouddiskfs/pkg/errors"
)

// Store is the metadata database of one (bundle, user) pair.
// It is safe for concurrent use.
type Store struct {
	pool   *pool
	bundle string
	userID int
	logger *slog.Logger
	now    func() time.Time
}

// StoreConfig configures OpenStore.
type StoreConfig struct {
	Path     string
	Bundle   string
	UserID   int
	PoolSize int
	Logger   *slog.Logger
}

// OpenStore opens (creating if needed) the database at cfg.Path.
func OpenStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "metastore", "bundle", cfg.Bundle, "user", cfg.UserID)

	p, err := openPool(poolConfig{Path: cfg.Path, PoolSize: cfg.PoolSize, Logger: logger})
	if err != nil {
		return nil, cderrors.Wrap(cderrors.ErrCodeStorageOpen, err, "open metadata database").
			WithComponent("metastore")
	}

	s := &Store{pool: p, bundle: cfg.Bundle, userID: cfg.UserID, logger: logger, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = p.close()
		return nil, err
	}
	return s, nil
}

// Bundle returns the owning bundle name.
func (s *Store) Bundle() string { return s.bundle }

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.pool.close()
}

func (s *Store) migrate(ctx context.Context) error {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return storageErr(cderrors.ErrCodeStorageOpen, "migrate", err)
	}
	defer s.pool.put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return storageErr(cderrors.ErrCodeStorageOpen, "migrate", err)
	}
	return nil
}

// LookUp returns the live child named name under parentCloudID.
func (s *Store) LookUp(ctx context.Context, parentCloudID, name string) (ChildInfo, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return ChildInfo{}, storageErr(cderrors.ErrCodeStorageRead, "lookup", err)
	}
	defer s.pool.put(conn)

	return s.lookUp(conn, parentCloudID, name)
}

func (s *Store) lookUp(conn *sqlite.Conn, parentCloudID, name string) (ChildInfo, error) {
	var info ChildInfo
	found := false
	err := sqlitex.Execute(conn,
		`SELECT `+selectColumns+` FROM files
		WHERE parent_cloud_id = ? AND file_name = ? AND dirty_type != ?`,
		&sqlitex.ExecOptions{
			Args: []any{parentCloudID, name, int(DirtyDeleted)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				info = scanChild(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return ChildInfo{}, storageErr(cderrors.ErrCodeStorageRead, "lookup", err)
	}
	if !found {
		return ChildInfo{}, notFound("lookup", parentCloudID, name)
	}
	return info, nil
}

// GetAttr returns the record for cloudID.
func (s *Store) GetAttr(ctx context.Context, cloudID string) (ChildInfo, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return ChildInfo{}, storageErr(cderrors.ErrCodeStorageRead, "getattr", err)
	}
	defer s.pool.put(conn)

	return s.getAttr(conn, cloudID)
}

func (s *Store) getAttr(conn *sqlite.Conn, cloudID string) (ChildInfo, error) {
	var info ChildInfo
	found := false
	err := sqlitex.Execute(conn,
		`SELECT `+selectColumns+` FROM files WHERE cloud_id = ? AND dirty_type != ?`,
		&sqlitex.ExecOptions{
			Args: []any{cloudID, int(DirtyDeleted)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				info = scanChild(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return ChildInfo{}, storageErr(cderrors.ErrCodeStorageRead, "getattr", err)
	}
	if !found {
		return ChildInfo{}, notFound("getattr", cloudID, "")
	}
	return info, nil
}

// Create registers a new, empty regular file whose content is local only.
func (s *Store) Create(ctx context.Context, cloudID, parentCloudID, name string) error {
	return s.insert(ctx, "create", cloudID, parentCloudID, name, false)
}

// MkDir registers a new directory.
func (s *Store) MkDir(ctx context.Context, cloudID, parentCloudID, name string) error {
	return s.insert(ctx, "mkdir", cloudID, parentCloudID, name, true)
}

func (s *Store) insert(ctx context.Context, op, cloudID, parentCloudID, name string, isDir bool) error {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return storageErr(cderrors.ErrCodeStorageWrite, op, err)
	}
	defer s.pool.put(conn)

	now := s.now().UnixNano()
	err = sqlitex.Execute(conn,
		`INSERT INTO files (cloud_id, parent_cloud_id, file_name, is_directory,
			size, mtime, ctime, atime, dirty_type, position)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{cloudID, parentCloudID, name, boolInt(isDir), now, now, now,
				int(DirtyNew), int(PositionLocal)},
		})
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.ResultConstraintUnique {
			return cderrors.Wrap(cderrors.ErrCodeObjectExists, err, "entry already exists").
				WithComponent("metastore").WithOperation(op).
				WithContext("parent", parentCloudID).WithContext("name", name)
		}
		return storageErr(cderrors.ErrCodeStorageWrite, op, err)
	}
	return nil
}

// Unlink removes the live child name under parentCloudID. The returned
// cloud id names the local cache file the caller should delete. It is empty
// when the entry never had local content or is a directory.
//
// Records that were never synced are dropped outright; everything else is
// kept as a DirtyDeleted tombstone for the sync layer.
func (s *Store) Unlink(ctx context.Context, parentCloudID, name string) (removed string, err error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return "", storageErr(cderrors.ErrCodeStorageWrite, "unlink", err)
	}
	defer s.pool.put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return "", storageErr(cderrors.ErrCodeStorageWrite, "unlink", err)
	}
	defer endTx(&err)

	info, err := s.lookUp(conn, parentCloudID, name)
	if err != nil {
		return "", err
	}

	if err = s.remove(conn, info); err != nil {
		return "", err
	}

	if info.IsDirectory || info.Position == PositionCloud {
		return "", nil
	}
	return info.CloudID, nil
}

func (s *Store) remove(conn *sqlite.Conn, info ChildInfo) error {
	var err error
	if info.DirtyType == DirtyNew {
		err = sqlitex.Execute(conn, `DELETE FROM files WHERE cloud_id = ?`,
			&sqlitex.ExecOptions{Args: []any{info.CloudID}})
	} else {
		err = sqlitex.Execute(conn,
			`UPDATE files SET dirty_type = ?, ctime = ? WHERE cloud_id = ?`,
			&sqlitex.ExecOptions{Args: []any{int(DirtyDeleted), s.now().UnixNano(), info.CloudID}})
	}
	if err != nil {
		return storageErr(cderrors.ErrCodeStorageWrite, "unlink", err)
	}
	return nil
}

// Rename moves a live entry, replacing any live destination that is not a
// non-empty directory.
func (s *Store) Rename(ctx context.Context, oldParent, oldName, newParent, newName string) (err error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return storageErr(cderrors.ErrCodeStorageWrite, "rename", err)
	}
	defer s.pool.put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return storageErr(cderrors.ErrCodeStorageWrite, "rename", err)
	}
	defer endTx(&err)

	src, err := s.lookUp(conn, oldParent, oldName)
	if err != nil {
		return err
	}

	dst, lookupErr := s.lookUp(conn, newParent, newName)
	switch {
	case lookupErr == nil && dst.CloudID == src.CloudID:
		return nil
	case lookupErr == nil:
		if dst.IsDirectory {
			var hasChild bool
			if hasChild, err = s.hasChild(conn, dst.CloudID); err != nil {
				return err
			}
			if hasChild {
				return cderrors.NewError(cderrors.ErrCodeNotEmpty, "destination directory not empty").
					WithComponent("metastore").WithOperation("rename")
			}
		}
		if err = s.remove(conn, dst); err != nil {
			return err
		}
	case !cderrors.IsNotFound(lookupErr):
		return lookupErr
	}

	dirty := DirtyMetadata
	if src.DirtyType == DirtyNew || src.DirtyType == DirtyFile {
		dirty = src.DirtyType
	}
	err = sqlitex.Execute(conn,
		`UPDATE files SET parent_cloud_id = ?, file_name = ?, ctime = ?, dirty_type = ?
		WHERE cloud_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{newParent, newName, s.now().UnixNano(), int(dirty), src.CloudID},
		})
	if err != nil {
		return storageErr(cderrors.ErrCodeStorageWrite, "rename", err)
	}
	return nil
}

// ReadDir returns the live children of cloudID ordered by creation. Each
// child's NextOff is the running total of encoded dirent sizes, so a cursor
// handed out while enumerating from the start matches exactly one child.
func (s *Store) ReadDir(ctx context.Context, cloudID string) ([]ChildInfo, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, storageErr(cderrors.ErrCodeStorageRead, "readdir", err)
	}
	defer s.pool.put(conn)

	var children []ChildInfo
	var off uint64
	err = sqlitex.Execute(conn,
		`SELECT `+selectColumns+` FROM files
		WHERE parent_cloud_id = ? AND dirty_type != ? ORDER BY local_id`,
		&sqlitex.ExecOptions{
			Args: []any{cloudID, int(DirtyDeleted)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				child := scanChild(stmt)
				off += uint64(dirent.Size(child.FileName))
				child.NextOff = off
				children = append(children, child)
				return nil
			},
		})
	if err != nil {
		return nil, storageErr(cderrors.ErrCodeStorageRead, "readdir", err)
	}
	return children, nil
}

// GetHasChild reports whether cloudID has any live children.
func (s *Store) GetHasChild(ctx context.Context, cloudID string) (bool, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return false, storageErr(cderrors.ErrCodeStorageRead, "has-child", err)
	}
	defer s.pool.put(conn)

	return s.hasChild(conn, cloudID)
}

func (s *Store) hasChild(conn *sqlite.Conn, cloudID string) (bool, error) {
	found := false
	err := sqlitex.Execute(conn,
		`SELECT 1 FROM files WHERE parent_cloud_id = ? AND dirty_type != ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{cloudID, int(DirtyDeleted)},
			ResultFunc: func(*sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	if err != nil {
		return false, storageErr(cderrors.ErrCodeStorageRead, "has-child", err)
	}
	return found, nil
}

// GetDirtyType returns the sync state of cloudID.
func (s *Store) GetDirtyType(ctx context.Context, cloudID string) (DirtyType, error) {
	info, err := s.GetAttr(ctx, cloudID)
	if err != nil {
		return DirtySynced, err
	}
	return info.DirtyType, nil
}

// SetAttr records a new size for cloudID.
func (s *Store) SetAttr(ctx context.Context, cloudID string, size int64) error {
	now := s.now().UnixNano()
	return s.update(ctx, "setattr", cloudID,
		`UPDATE files SET size = ?, mtime = ?, ctime = ?, upload_state = ?,
			dirty_type = CASE WHEN dirty_type = ? THEN dirty_type ELSE ? END
		WHERE cloud_id = ? AND dirty_type != ?`,
		size, now, now, int(UploadIdle), int(DirtyNew), int(DirtyFile), cloudID, int(DirtyDeleted))
}

// Write refreshes size and mtime of cloudID from its local cache file and
// marks the content dirty.
func (s *Store) Write(ctx context.Context, cloudID, localPath string) error {
	fi, err := os.Stat(localPath)
	if err != nil {
		return cderrors.Wrap(cderrors.ErrCodeFileNotFound, err, "stat local cache file").
			WithComponent("metastore").WithOperation("write").WithContext("cloud_id", cloudID)
	}

	return s.update(ctx, "write", cloudID,
		`UPDATE files SET size = ?, mtime = ?, ctime = ?, upload_state = ?,
			dirty_type = CASE WHEN dirty_type = ? THEN dirty_type ELSE ? END,
			position = CASE WHEN position = ? THEN ? ELSE position END
		WHERE cloud_id = ? AND dirty_type != ?`,
		fi.Size(), fi.ModTime().UnixNano(), s.now().UnixNano(), int(UploadIdle),
		int(DirtyNew), int(DirtyFile),
		int(PositionCloud), int(PositionLocalAndCloud),
		cloudID, int(DirtyDeleted))
}

// GetXAttr returns a record attribute as its decimal string form.
func (s *Store) GetXAttr(ctx context.Context, cloudID string, key XAttrKey) (string, error) {
	var column string
	switch key {
	case XAttrPosition:
		column = "position"
	case XAttrFavorite:
		column = "is_favorite"
	case XAttrRecycle:
		column = "recycled"
	case XAttrFileStatus:
		return s.fileStatus(ctx, cloudID)
	default:
		return "", cderrors.NewError(cderrors.ErrCodeValidationFailed, "unknown attribute "+string(key)).
			WithComponent("metastore").WithOperation("getxattr")
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return "", storageErr(cderrors.ErrCodeStorageRead, "getxattr", err)
	}
	defer s.pool.put(conn)

	value, found := int64(0), false
	err = sqlitex.Execute(conn,
		`SELECT `+column+` FROM files WHERE cloud_id = ? AND dirty_type != ?`,
		&sqlitex.ExecOptions{
			Args: []any{cloudID, int(DirtyDeleted)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnInt64(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return "", storageErr(cderrors.ErrCodeStorageRead, "getxattr", err)
	}
	if !found {
		return "", notFound("getxattr", cloudID, "")
	}
	return strconv.FormatInt(value, 10), nil
}

func (s *Store) fileStatus(ctx context.Context, cloudID string) (string, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return "", storageErr(cderrors.ErrCodeStorageRead, "file-status", err)
	}
	defer s.pool.put(conn)

	status, found := "", false
	err = sqlitex.Execute(conn,
		`SELECT dirty_type, recycled, upload_state FROM files WHERE cloud_id = ? AND dirty_type != ?`,
		&sqlitex.ExecOptions{
			Args: []any{cloudID, int(DirtyDeleted)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				switch {
				case stmt.ColumnInt(1) != 0:
					status = FileStatusRecycled
				case UploadState(stmt.ColumnInt(2)) == UploadFailed:
					status = FileStatusUploadFailed
				case UploadState(stmt.ColumnInt(2)) == UploadRunning:
					status = FileStatusUploading
				case DirtyType(stmt.ColumnInt(0)) == DirtySynced:
					status = FileStatusUploaded
				default:
					status = FileStatusToBeUploaded
				}
				return nil
			},
		})
	if err != nil {
		return "", storageErr(cderrors.ErrCodeStorageRead, "file-status", err)
	}
	if !found {
		return "", notFound("file-status", cloudID, "")
	}
	return status, nil
}

// SetXAttr updates a writable record attribute. Favorite and recycle take
// "0" or "1"; position takes 1, 2 or 3.
func (s *Store) SetXAttr(ctx context.Context, cloudID string, key XAttrKey, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return invalidValue(key, value)
	}

	var column string
	switch key {
	case XAttrPosition:
		if Position(n) < PositionLocal || Position(n) > PositionLocalAndCloud {
			return invalidValue(key, value)
		}
		column = "position"
	case XAttrFavorite:
		column = "is_favorite"
	case XAttrRecycle:
		column = "recycled"
	default:
		return cderrors.NewError(cderrors.ErrCodeValidationFailed, "attribute not writable: "+string(key)).
			WithComponent("metastore").WithOperation("setxattr")
	}
	if column != "position" && n != 0 && n != 1 {
		return invalidValue(key, value)
	}

	return s.update(ctx, "setxattr", cloudID,
		`UPDATE files SET `+column+` = ?, ctime = ?,
			dirty_type = CASE WHEN dirty_type IN (?, ?) THEN dirty_type ELSE ? END
		WHERE cloud_id = ? AND dirty_type != ?`,
		n, s.now().UnixNano(), int(DirtyNew), int(DirtyFile), int(DirtyMetadata),
		cloudID, int(DirtyDeleted))
}

// SetUploadState records uploader progress for cloudID.
func (s *Store) SetUploadState(ctx context.Context, cloudID string, state UploadState) error {
	return s.update(ctx, "upload-state", cloudID,
		`UPDATE files SET upload_state = ? WHERE cloud_id = ? AND dirty_type != ?`,
		int(state), cloudID, int(DirtyDeleted))
}

// MarkSynced clears the dirty state of cloudID after a successful upload,
// provided its mtime still matches the uploaded content.
func (s *Store) MarkSynced(ctx context.Context, cloudID string, uploadedMtime time.Time) error {
	return s.update(ctx, "mark-synced", cloudID,
		`UPDATE files SET dirty_type = ?, upload_state = ?,
			position = CASE WHEN position = ? THEN ? ELSE position END
		WHERE cloud_id = ? AND mtime = ? AND dirty_type != ?`,
		int(DirtySynced), int(UploadIdle), int(PositionLocal), int(PositionLocalAndCloud),
		cloudID, uploadedMtime.UnixNano(), int(DirtyDeleted))
}

// ListDirty returns regular files with content the cloud has not seen yet.
func (s *Store) ListDirty(ctx context.Context) ([]ChildInfo, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, storageErr(cderrors.ErrCodeStorageRead, "list-dirty", err)
	}
	defer s.pool.put(conn)

	var out []ChildInfo
	err = sqlitex.Execute(conn,
		`SELECT `+selectColumns+` FROM files
		WHERE is_directory = 0 AND dirty_type IN (?, ?) ORDER BY local_id`,
		&sqlitex.ExecOptions{
			Args: []any{int(DirtyNew), int(DirtyFile)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, scanChild(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, storageErr(cderrors.ErrCodeStorageRead, "list-dirty", err)
	}
	return out, nil
}

func (s *Store) update(ctx context.Context, op, cloudID, query string, args ...any) error {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return storageErr(cderrors.ErrCodeStorageWrite, op, err)
	}
	defer s.pool.put(conn)

	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return storageErr(cderrors.ErrCodeStorageWrite, op, err)
	}
	if conn.Changes() == 0 {
		return notFound(op, cloudID, "")
	}
	return nil
}

func scanChild(stmt *sqlite.Stmt) ChildInfo {
	return ChildInfo{
		CloudID:       stmt.ColumnText(0),
		ParentCloudID: stmt.ColumnText(1),
		LocalID:       stmt.ColumnInt64(2),
		FileName:      stmt.ColumnText(3),
		IsDirectory:   stmt.ColumnInt(4) != 0,
		Size:          stmt.ColumnInt64(5),
		Mtime:         time.Unix(0, stmt.ColumnInt64(6)),
		Ctime:         time.Unix(0, stmt.ColumnInt64(7)),
		Atime:         time.Unix(0, stmt.ColumnInt64(8)),
		DirtyType:     DirtyType(stmt.ColumnInt(9)),
		Position:      Position(stmt.ColumnInt(10)),
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func storageErr(code cderrors.ErrorCode, op string, cause error) error {
	return cderrors.Wrap(code, cause, "metadata database error").
		WithComponent("metastore").WithOperation(op)
}

func notFound(op, cloudID, name string) error {
	err := cderrors.NewError(cderrors.ErrCodeObjectNotFound, "no such entry").
		WithComponent("metastore").WithOperation(op).WithContext("cloud_id", cloudID)
	if name != "" {
		err.WithContext("name", name)
	}
	return err
}

func invalidValue(key XAttrKey, value string) error {
	return cderrors.NewError(cderrors.ErrCodeValidationFailed,
		fmt.Sprintf("invalid value %q for %s", value, key)).
		WithComponent("metastore").WithOperation("setxattr")
}
