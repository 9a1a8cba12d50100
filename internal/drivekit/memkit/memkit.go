// Package memkit is an in-process drive kit. Assets live in memory, which
// makes it suitable for offline mounts and for tests that need to inject
// drive failures.
package memkit

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/clouddiskfs/clouddiskfs/internal/drivekit"
)

// Op names a database operation that can be made to fail.
type Op int

const (
	OpInitSession Op = iota
	OpPRead
	OpGenerateIds
	OpUpload
)

// Kit holds one Database per bundle.
type Kit struct {
	mu  sync.Mutex
	dbs map[string]*Database
}

// New returns an empty kit.
func New() *Kit {
	return &Kit{dbs: make(map[string]*Database)}
}

// GetDefaultContainer implements drivekit.Kit.
func (k *Kit) GetDefaultContainer(bundle string) (drivekit.Container, error) {
	if bundle == "" {
		return nil, drivekit.LocalError(drivekit.LocalCodeInvalidArgument, "empty bundle name", nil)
	}
	return container{db: k.Database(bundle)}, nil
}

// Database returns the bundle's database, creating it on first use.
func (k *Kit) Database(bundle string) *Database {
	k.mu.Lock()
	defer k.mu.Unlock()

	db, ok := k.dbs[bundle]
	if !ok {
		db = &Database{assets: make(map[string][]byte), faults: make(map[Op]error)}
		k.dbs[bundle] = db
	}
	return db
}

type container struct {
	db *Database
}

func (c container) GetPrivateDatabase() (drivekit.Database, error) {
	return c.db, nil
}

// Database is an in-memory private database.
type Database struct {
	mu     sync.Mutex
	assets map[string][]byte
	faults map[Op]error
	hook   func(cloudID string)

	openSessions atomic.Int64
	initCount    atomic.Int64
	uploads      atomic.Int64
}

// PutAsset stores content for cloudID.
func (d *Database) PutAsset(cloudID string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assets[cloudID] = append([]byte(nil), data...)
}

// Asset returns the stored content for cloudID.
func (d *Database) Asset(cloudID string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.assets[cloudID]
	return data, ok
}

// InjectFault makes op fail with err until cleared with a nil err.
func (d *Database) InjectFault(op Op, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.faults, op)
		return
	}
	d.faults[op] = err
}

// OnUpload registers fn to run at the start of every UploadAsset call.
func (d *Database) OnUpload(fn func(cloudID string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hook = fn
}

// OpenSessions returns the number of initialized sessions not yet closed.
func (d *Database) OpenSessions() int64 { return d.openSessions.Load() }

// InitCount returns how many sessions were successfully initialized.
func (d *Database) InitCount() int64 { return d.initCount.Load() }

// Uploads returns how many uploads succeeded.
func (d *Database) Uploads() int64 { return d.uploads.Load() }

func (d *Database) fault(op Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.faults[op]
}

// NewAssetReadSession implements drivekit.Database.
func (d *Database) NewAssetReadSession(recordType, cloudID, field, localPath string) drivekit.ReadSession {
	return &session{db: d, cloudID: cloudID}
}

// GenerateIds implements drivekit.Database.
func (d *Database) GenerateIds(ctx context.Context, count int) ([]string, error) {
	if err := d.fault(OpGenerateIds); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, drivekit.LocalError(drivekit.LocalCodeInvalidArgument, "id count must be positive", nil)
	}
	ids := make([]string, count)
	for i := range ids {
		ids[i] = uuid.NewString()
	}
	return ids, nil
}

// UploadAsset implements drivekit.Database.
func (d *Database) UploadAsset(ctx context.Context, recordType, cloudID, field, localPath string) error {
	if err := d.fault(OpUpload); err != nil {
		return err
	}
	d.mu.Lock()
	hook := d.hook
	d.mu.Unlock()
	if hook != nil {
		hook(cloudID)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return drivekit.LocalError(drivekit.LocalCodeIO, "read local asset", err)
	}
	d.PutAsset(cloudID, data)
	d.uploads.Add(1)
	return nil
}

type session struct {
	db      *Database
	cloudID string

	mu     sync.Mutex
	data   []byte
	inited bool
	closed bool
}

func (s *session) InitSession(ctx context.Context) error {
	if err := s.db.fault(OpInitSession); err != nil {
		return err
	}
	data, ok := s.db.Asset(s.cloudID)
	if !ok {
		return drivekit.ServerError(404, "asset not found: "+s.cloudID, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	s.inited = true
	s.db.openSessions.Add(1)
	s.db.initCount.Add(1)
	return nil
}

func (s *session) PRead(ctx context.Context, offset int64, buf []byte) (int, error) {
	if err := s.db.fault(OpPRead); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inited || s.closed {
		return 0, drivekit.LocalError(drivekit.LocalCodeSessionNotInitialized, "session not open", nil)
	}
	if offset < 0 {
		return 0, drivekit.LocalError(drivekit.LocalCodeInvalidArgument, "negative offset", nil)
	}
	if offset >= int64(len(s.data)) {
		return 0, nil
	}
	return copy(buf, s.data[offset:]), nil
}

func (s *session) Close(force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	if s.inited {
		s.db.openSessions.Add(-1)
	}
	return true
}
