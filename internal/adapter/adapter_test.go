package adapter

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/clouddiskfs/clouddiskfs/internal/config"
	"github.com/clouddiskfs/clouddiskfs/internal/drivekit/memkit"
	"github.com/clouddiskfs/clouddiskfs/internal/notify"
)

func TestValidateStorageURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		uri         string
		wantErr     bool
		errContains string
	}{
		{
			name: "valid s3 URI",
			uri:  "s3://my-bucket",
		},
		{
			name: "s3 URI with dots in bucket name",
			uri:  "s3://my.bucket.with.dots",
		},
		{
			name: "memory URI",
			uri:  "mem://",
		},
		{
			name:        "s3 URI with prefix",
			uri:         "s3://my-bucket/path/to/prefix",
			wantErr:     true,
			errContains: "key prefix",
		},
		{
			name:        "s3 URI without bucket",
			uri:         "s3://",
			wantErr:     true,
			errContains: "bucket name",
		},
		{
			name:        "unsupported scheme",
			uri:         "gcs://my-bucket",
			wantErr:     true,
			errContains: "unsupported storage scheme",
		},
		{
			name:        "invalid URI",
			uri:         "://invalid",
			wantErr:     true,
			errContains: "failed to parse URI",
		},
		{
			name:        "empty URI",
			uri:         "",
			wantErr:     true,
			errContains: "unsupported storage scheme",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateStorageURI(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateStorageURI() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("validateStorageURI() error = %v, should contain %q", err, tt.errContains)
			}
		})
	}
}

func TestApplyStorageURI(t *testing.T) {
	cfg := config.NewDefault()
	require.NoError(t, ApplyStorageURI(cfg, "s3://photos"))
	assert.Equal(t, "s3", cfg.Cloud.Backend)
	assert.Equal(t, "photos", cfg.Cloud.Bucket)

	require.NoError(t, ApplyStorageURI(cfg, "mem://"))
	assert.Equal(t, "memory", cfg.Cloud.Backend)

	assert.Error(t, ApplyStorageURI(cfg, "ftp://host"))
}

func testConfig(t *testing.T) *config.Configuration {
	t.Helper()
	root := t.TempDir()
	cfg := config.NewDefault()
	cfg.Global.MetricsPort = 0
	cfg.Mount.MountPoint = filepath.Join(root, "mnt")
	cfg.Mount.Bundles = []string{"com.example.gallery"}
	cfg.Cache.Directory = filepath.Join(root, "cache")
	cfg.Metadata.Directory = filepath.Join(root, "meta")
	cfg.Notify.JournalPath = filepath.Join(root, "events.cbor")
	cfg.Upload.Workers = 1
	cfg.Upload.BaseDelay = time.Millisecond
	cfg.Upload.MaxDelay = 5 * time.Millisecond
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mount.Bundles = nil
	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestWriteFlowsToUploaderAndJournal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig(t)

	a, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, a.startServices(ctx))

	core := a.Core()
	bundle, errno := core.Lookup(ctx, 1, "com.example.gallery")
	require.Zero(t, errno)
	e, fh, errno := core.Create(ctx, bundle.Ino, "beach.jpg", 0o644, unix.O_RDWR)
	require.Zero(t, errno)
	_, errno = core.Write(ctx, fh, 0, []byte("sand"))
	require.Zero(t, errno)
	require.Zero(t, core.Release(ctx, fh))

	var cloudID string
	sz, errno := core.GetXattr(ctx, e.Ino, "user.cloud.cloudid", nil)
	require.Zero(t, errno)
	buf := make([]byte, sz)
	_, errno = core.GetXattr(ctx, e.Ino, "user.cloud.cloudid", buf)
	require.Zero(t, errno)
	cloudID = string(buf)

	db := a.kit.(*memkit.Kit).Database("com.example.gallery")
	require.Eventually(t, func() bool {
		data, ok := db.Asset(cloudID)
		return ok && string(data) == "sand"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Stop(ctx))

	f, err := os.Open(cfg.Notify.JournalPath)
	require.NoError(t, err)
	defer f.Close()
	events, err := notify.ReadJournal(f)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, notify.KindWrite, last.Kind)
	assert.Equal(t, cloudID, last.CloudID)
}
