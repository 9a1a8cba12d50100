// Package uploader pushes locally written files to the drive. It consumes
// write notifications, uploads the cached content with retry, and records
// the outcome in the metadata store.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clouddiskfs/clouddiskfs/internal/cachelayout"
	"github.com/clouddiskfs/clouddiskfs/internal/drivekit"
	"github.com/clouddiskfs/clouddiskfs/internal/metastore"
	"github.com/clouddiskfs/clouddiskfs/internal/metrics"
	"github.com/clouddiskfs/clouddiskfs/internal/notify"
	cderrors "github.com/clouddiskfs/clouddiskfs/pkg/errors"
	"github.com/clouddiskfs/clouddiskfs/pkg/retry"
)

// StoreSource resolves the metadata store of a bundle.
type StoreSource interface {
	Get(ctx context.Context, bundle string, userID int) (*metastore.Store, error)
}

// Config configures an Uploader.
type Config struct {
	UserID      int
	Workers     int
	QueueSize   int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Collector
}

type job struct {
	bundle  string
	cloudID string
}

// Uploader is a notify.Sink backed by a worker pool.
type Uploader struct {
	cfg     Config
	kit     drivekit.Kit
	stores  StoreSource
	layout  *cachelayout.Layout
	retryer *retry.Retryer
	logger  *slog.Logger

	queue chan job
	stop  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	pending map[job]bool
	started bool
}

// New creates an uploader. Workers start with Start.
func New(cfg Config, kit drivekit.Kit, stores StoreSource, layout *cachelayout.Layout) *Uploader {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "uploader")

	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.MaxAttempts
	rc.InitialDelay = cfg.BaseDelay
	rc.MaxDelay = cfg.MaxDelay
	rc.IsRetryable = transient
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Debug("upload attempt failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}

	return &Uploader{
		cfg:     cfg,
		kit:     kit,
		stores:  stores,
		layout:  layout,
		retryer: retry.New(rc),
		logger:  logger,
		queue:   make(chan job, cfg.QueueSize),
		stop:    make(chan struct{}),
		pending: make(map[job]bool),
	}
}

// Start launches the workers and queues every dirty file already recorded
// in the given bundles.
func (u *Uploader) Start(ctx context.Context, bundles []string) error {
	u.mu.Lock()
	if u.started {
		u.mu.Unlock()
		return cderrors.NewError(cderrors.ErrCodeAlreadyStarted, "uploader already started").
			WithComponent("uploader")
	}
	u.started = true
	u.mu.Unlock()

	for i := 0; i < u.cfg.Workers; i++ {
		u.wg.Add(1)
		go u.worker(ctx)
	}

	for _, bundle := range bundles {
		if err := u.rescan(ctx, bundle); err != nil {
			u.logger.Warn("dirty rescan failed", "bundle", bundle, "error", err)
		}
	}
	u.logger.Info("uploader started", "workers", u.cfg.Workers, "bundles", len(bundles))
	return nil
}

// Stop signals the workers and waits for in-flight uploads to finish.
func (u *Uploader) Stop() {
	u.mu.Lock()
	if !u.started {
		u.mu.Unlock()
		return
	}
	u.started = false
	u.mu.Unlock()

	close(u.stop)
	u.wg.Wait()
}

// Notify implements notify.Sink. Only write events carrying a record id
// are queued.
func (u *Uploader) Notify(_ context.Context, ev notify.Event) error {
	if ev.Kind != notify.KindWrite || ev.Bundle == "" || ev.CloudID == "" {
		return nil
	}
	return u.enqueue(job{bundle: ev.Bundle, cloudID: ev.CloudID})
}

func (u *Uploader) enqueue(j job) error {
	u.mu.Lock()
	if u.pending[j] {
		u.mu.Unlock()
		return nil
	}
	u.pending[j] = true
	u.mu.Unlock()

	select {
	case u.queue <- j:
		return nil
	case <-u.stop:
		u.clearPending(j)
		return cderrors.NewError(cderrors.ErrCodeComponentStopped, "uploader stopped").WithComponent("uploader")
	default:
		u.clearPending(j)
		return cderrors.NewError(cderrors.ErrCodeResourceExhausted, "upload queue full").
			WithComponent("uploader").
			WithDetail("cloud_id", j.cloudID)
	}
}

func (u *Uploader) clearPending(j job) {
	u.mu.Lock()
	delete(u.pending, j)
	u.mu.Unlock()
}

func (u *Uploader) rescan(ctx context.Context, bundle string) error {
	store, err := u.stores.Get(ctx, bundle, u.cfg.UserID)
	if err != nil {
		return err
	}
	dirty, err := store.ListDirty(ctx)
	if err != nil {
		return err
	}
	for _, info := range dirty {
		if err := u.enqueue(job{bundle: bundle, cloudID: info.CloudID}); err != nil {
			return err
		}
	}
	if len(dirty) > 0 {
		u.logger.Info("queued dirty files from previous run", "bundle", bundle, "count", len(dirty))
	}
	return nil
}

func (u *Uploader) worker(ctx context.Context) {
	defer u.wg.Done()
	for {
		select {
		case <-u.stop:
			return
		case <-ctx.Done():
			return
		case j := <-u.queue:
			u.clearPending(j)
			if err := u.upload(ctx, j); err != nil {
				u.logger.Warn("upload failed", "bundle", j.bundle, "cloud_id", j.cloudID, "error", err)
			}
		}
	}
}

// upload pushes one file. A record that disappeared or stopped being
// dirty is skipped silently.
func (u *Uploader) upload(ctx context.Context, j job) error {
	store, err := u.stores.Get(ctx, j.bundle, u.cfg.UserID)
	if err != nil {
		return err
	}
	info, err := store.GetAttr(ctx, j.cloudID)
	if cderrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDirectory || (info.DirtyType != metastore.DirtyNew && info.DirtyType != metastore.DirtyFile) {
		return nil
	}

	path, err := u.layout.CloudPath(u.cfg.UserID, j.bundle, j.cloudID)
	if err != nil {
		return err
	}
	container, err := u.kit.GetDefaultContainer(j.bundle)
	if err != nil {
		return err
	}
	db, err := container.GetPrivateDatabase()
	if err != nil {
		return err
	}

	if err := store.SetUploadState(ctx, j.cloudID, metastore.UploadRunning); err != nil {
		return err
	}

	start := time.Now()
	err = u.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return db.UploadAsset(ctx, drivekit.RecordTypeFile, j.cloudID, drivekit.AssetFieldContent, path)
	})
	u.cfg.Metrics.RecordUpload(j.bundle, err == nil)
	if err != nil {
		if stateErr := store.SetUploadState(ctx, j.cloudID, metastore.UploadFailed); stateErr != nil {
			u.logger.Warn("recording upload failure failed", "cloud_id", j.cloudID, "error", stateErr)
		}
		return fmt.Errorf("upload %s/%s: %w", j.bundle, j.cloudID, err)
	}

	if err := store.MarkSynced(ctx, j.cloudID, info.Mtime); err != nil {
		if cderrors.IsNotFound(err) {
			return u.requeue(ctx, store, j)
		}
		return err
	}

	u.logger.Debug("upload completed", "bundle", j.bundle, "cloud_id", j.cloudID,
		"size", info.Size, "duration", time.Since(start))
	return nil
}

// requeue handles a record modified or removed while its upload ran. A
// surviving record goes back to idle and is queued again.
func (u *Uploader) requeue(ctx context.Context, store *metastore.Store, j job) error {
	err := store.SetUploadState(ctx, j.cloudID, metastore.UploadIdle)
	if cderrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	u.logger.Debug("record changed during upload, queued again", "cloud_id", j.cloudID)
	return u.enqueue(j)
}

// transient reports whether a drive failure is worth another attempt.
func transient(err error) bool {
	de, ok := drivekit.AsError(err)
	if !ok {
		return false
	}
	switch de.Domain {
	case drivekit.DomainNetwork:
		return true
	case drivekit.DomainServer:
		return de.ServerCode >= 500 || de.ServerCode == 429
	default:
		return errors.Is(err, context.DeadlineExceeded)
	}
}
