package metastore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/clouddiskfs/clouddiskfs/internal/cache"
	cderrors "github.com/clouddiskfs/clouddiskfs/pkg/errors"
	"github.com/clouddiskfs/clouddiskfs/pkg/utils"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Directory holds one database per user and bundle: <dir>/<user>/<bundle>.db
	Directory string
	PoolSize  int
	// MaxOpenStores bounds the number of databases kept open at once.
	MaxOpenStores int
	Logger        *slog.Logger
}

type storeKey struct {
	bundle string
	userID int
}

// Manager hands out the Store of a (bundle, user) pair, opening databases
// on demand and closing the least recently used ones.
type Manager struct {
	cfg    ManagerConfig
	stores *cache.LRU[storeKey, *Store]
	logger *slog.Logger
}

// NewManager creates a Manager. No database is opened until Get.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Directory == "" {
		return nil, cderrors.NewError(cderrors.ErrCodeMissingConfig, "metadata directory is required").
			WithComponent("metastore")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{cfg: cfg, logger: logger.With("component", "metastore-manager")}
	m.stores = cache.NewLRU[storeKey, *Store](cfg.MaxOpenStores, func(key storeKey, s *Store) {
		if err := s.Close(); err != nil {
			m.logger.Warn("closing evicted store failed", "bundle", key.bundle, "user", key.userID, "error", err)
		}
	})
	return m, nil
}

// Get returns the store for bundle and userID.
func (m *Manager) Get(ctx context.Context, bundle string, userID int) (*Store, error) {
	key := storeKey{bundle: bundle, userID: userID}
	return m.stores.GetOrCreate(key, func() (*Store, error) {
		path, err := m.databasePath(bundle, userID)
		if err != nil {
			return nil, err
		}
		m.logger.Info("opening metadata store", "bundle", bundle, "user", userID, "path", path)
		return OpenStore(ctx, StoreConfig{
			Path:     path,
			Bundle:   bundle,
			UserID:   userID,
			PoolSize: m.cfg.PoolSize,
			Logger:   m.logger,
		})
	})
}

// Stats reports store cache usage.
func (m *Manager) Stats() cache.Stats {
	return m.stores.Stats()
}

// Close closes every open store.
func (m *Manager) Close() error {
	m.stores.Clear()
	return nil
}

func (m *Manager) databasePath(bundle string, userID int) (string, error) {
	if err := utils.ValidateName(bundle); err != nil {
		return "", cderrors.Wrap(cderrors.ErrCodePathInvalid, err, "invalid bundle name").
			WithComponent("metastore")
	}
	dir, err := utils.SecureJoin(m.cfg.Directory, strconv.Itoa(userID))
	if err != nil {
		return "", cderrors.Wrap(cderrors.ErrCodePathInvalid, err, "invalid metadata path").
			WithComponent("metastore")
	}
	if err := os.MkdirAll(dir, 0o771); err != nil {
		return "", cderrors.Wrap(cderrors.ErrCodeStorageOpen, err, "create metadata directory").
			WithComponent("metastore")
	}
	return fmt.Sprintf("%s/%s.db", dir, bundle), nil
}
