package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/clouddiskfs/clouddiskfs/internal/cachelayout"
	"github.com/clouddiskfs/clouddiskfs/internal/circuit"
	"github.com/clouddiskfs/clouddiskfs/internal/clouddisk"
	"github.com/clouddiskfs/clouddiskfs/internal/config"
	"github.com/clouddiskfs/clouddiskfs/internal/drivekit"
	"github.com/clouddiskfs/clouddiskfs/internal/drivekit/memkit"
	"github.com/clouddiskfs/clouddiskfs/internal/drivekit/s3kit"
	"github.com/clouddiskfs/clouddiskfs/internal/fuse"
	"github.com/clouddiskfs/clouddiskfs/internal/metastore"
	"github.com/clouddiskfs/clouddiskfs/internal/metrics"
	"github.com/clouddiskfs/clouddiskfs/internal/notify"
	"github.com/clouddiskfs/clouddiskfs/internal/uploader"
)

// Adapter assembles the Cloud Disk daemon: metadata stores, drive kit,
// change notification, uploader, filesystem core and mount.
type Adapter struct {
	config *config.Configuration
	logger *slog.Logger

	metrics  *metrics.Collector
	stores   *metastore.Manager
	kit      drivekit.Kit
	layout   *cachelayout.Layout
	hub      *notify.Hub
	journal  *notify.Journal
	uploader *uploader.Uploader
	core     *clouddisk.FileSystem
	mount    *fuse.MountManager
}

// New builds every component from cfg. Nothing is mounted or started
// until Start.
func New(ctx context.Context, cfg *config.Configuration, logger *slog.Logger) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{config: cfg, logger: logger.With("component", "adapter")}

	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *Adapter) build(ctx context.Context) error {
	cfg := a.config
	var err error

	a.metrics, err = metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Global.MetricsPort > 0,
		Port:      cfg.Global.MetricsPort,
		Path:      "/metrics",
		Namespace: "clouddisk",
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	for _, dir := range []string{cfg.Cache.Directory, cfg.Metadata.Directory} {
		if err := os.MkdirAll(dir, 0o771); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	a.layout = cachelayout.New(cfg.Cache.Directory, cfg.Cache.BucketCount)

	a.stores, err = metastore.NewManager(metastore.ManagerConfig{
		Directory:     cfg.Metadata.Directory,
		PoolSize:      cfg.Metadata.PoolSize,
		MaxOpenStores: cfg.Metadata.MaxOpenStores,
		Logger:        a.logger,
	})
	if err != nil {
		return fmt.Errorf("metadata stores: %w", err)
	}

	a.kit, err = newKit(ctx, cfg.Cloud, a.logger)
	if err != nil {
		return fmt.Errorf("drive kit: %w", err)
	}

	a.hub = notify.NewHub(a.logger)
	if cfg.Notify.JournalPath != "" {
		a.journal, err = notify.OpenJournal(cfg.Notify.JournalPath)
		if err != nil {
			return err
		}
		a.hub.Subscribe(a.journal)
	}
	if cfg.Upload.Enabled {
		a.uploader = uploader.New(uploader.Config{
			UserID:      cfg.Mount.UserID,
			Workers:     cfg.Upload.Workers,
			MaxAttempts: cfg.Upload.MaxAttempts,
			BaseDelay:   cfg.Upload.BaseDelay,
			MaxDelay:    cfg.Upload.MaxDelay,
			Logger:      a.logger,
			Metrics:     a.metrics,
		}, a.kit, a.stores, a.layout)
		a.hub.Subscribe(a.uploader)
	}

	maxRead, err := cfg.MaxReadSizeBytes()
	if err != nil {
		return err
	}
	a.core, err = clouddisk.New(clouddisk.Config{
		UserID:      cfg.Mount.UserID,
		Bundles:     cfg.Mount.Bundles,
		Uid:         uint32(os.Getuid()),
		Gid:         uint32(os.Getgid()),
		MaxReadSize: int(maxRead),
		Stores:      clouddisk.NewManagerProvider(a.stores, cfg.Mount.UserID),
		Kit:         a.kit,
		Layout:      a.layout,
		Notifier:    a.hub,
		Metrics:     a.metrics,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}

	raw := fuse.NewFileSystem(a.core, fuse.Config{
		AttrTimeout:  cfg.Mount.AttrTimeout,
		EntryTimeout: cfg.Mount.EntryTimeout,
		StatRoot:     cfg.Cache.Directory,
		Logger:       a.logger,
	})
	a.mount = fuse.NewMountManager(raw, cfg.Mount.MountPoint, fuse.MountOptions{
		AllowOther: cfg.Mount.AllowOther,
		Debug:      cfg.Mount.Debug,
	})
	return nil
}

func newKit(ctx context.Context, cfg config.CloudConfig, logger *slog.Logger) (drivekit.Kit, error) {
	switch cfg.Backend {
	case "memory":
		return memkit.New(), nil
	case "s3":
		breaker := circuit.Config{}
		if cfg.CircuitBreaker.Enabled {
			breaker.FailureThreshold = uint32(cfg.CircuitBreaker.FailureThreshold)
			breaker.Timeout = cfg.CircuitBreaker.Timeout
		} else {
			breaker.FailureThreshold = ^uint32(0)
		}
		kit, err := s3kit.New(ctx, s3kit.Config{
			Bucket:         cfg.Bucket,
			Region:         cfg.Region,
			Endpoint:       cfg.Endpoint,
			ForcePathStyle: cfg.ForcePathStyle,
			UseCargoShip:   cfg.UseCargoShip,
			StorageClass:   cfg.StorageClass,
			Breaker:        breaker,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return kit, nil
	default:
		return nil, fmt.Errorf("unknown cloud backend: %s", cfg.Backend)
	}
}

// Start launches background services and mounts the filesystem.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.startServices(ctx); err != nil {
		return err
	}
	if err := a.mount.Mount(); err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	a.logger.Info("cloud disk mounted",
		"mount_point", a.mount.MountPoint(),
		"bundles", a.config.Mount.Bundles,
		"backend", a.config.Cloud.Backend)
	return nil
}

func (a *Adapter) startServices(ctx context.Context) error {
	if err := a.metrics.Start(ctx); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if a.uploader != nil {
		if err := a.uploader.Start(ctx, a.config.Mount.Bundles); err != nil {
			return fmt.Errorf("uploader: %w", err)
		}
	}
	return nil
}

// Wait blocks until the filesystem is unmounted.
func (a *Adapter) Wait() {
	a.mount.Wait()
}

// Stop unmounts the filesystem and releases every component.
func (a *Adapter) Stop(ctx context.Context) error {
	a.logger.Info("stopping cloud disk")

	var errs []error
	if a.mount != nil && a.mount.IsMounted() {
		if err := a.mount.Unmount(); err != nil {
			errs = append(errs, err)
		} else {
			a.mount.Wait()
		}
	}
	if err := a.metrics.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, a.close())
	return errors.Join(errs...)
}

func (a *Adapter) close() error {
	var errs []error
	if a.uploader != nil {
		a.uploader.Stop()
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.stores != nil {
		errs = append(errs, a.stores.Close())
	}
	return errors.Join(errs...)
}

// Core returns the filesystem core.
func (a *Adapter) Core() *clouddisk.FileSystem {
	return a.core
}

// ApplyStorageURI points the cloud configuration at uri. Supported forms
// are s3://bucket and mem://.
func ApplyStorageURI(cfg *config.Configuration, uri string) error {
	if err := validateStorageURI(uri); err != nil {
		return fmt.Errorf("invalid storage URI: %w", err)
	}
	parsed, _ := url.Parse(uri)
	switch parsed.Scheme {
	case "s3":
		cfg.Cloud.Backend = "s3"
		cfg.Cloud.Bucket = parsed.Host
	case "mem":
		cfg.Cloud.Backend = "memory"
	}
	return nil
}

// validateStorageURI validates the storage URI format
func validateStorageURI(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("failed to parse URI: %w", err)
	}

	switch parsed.Scheme {
	case "s3":
		if parsed.Host == "" {
			return fmt.Errorf("S3 URI must include bucket name")
		}
		if strings.Trim(parsed.Path, "/") != "" {
			return fmt.Errorf("S3 URI must not include a key prefix")
		}
	case "mem":
	default:
		return fmt.Errorf("unsupported storage scheme: %s (s3:// and mem:// supported)", parsed.Scheme)
	}

	return nil
}
