package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.FileSystem.MaxReadSize != "4MB" {
		t.Errorf("Expected MaxReadSize to be 4MB, got %s", cfg.FileSystem.MaxReadSize)
	}
	size, err := cfg.MaxReadSizeBytes()
	if err != nil || size != 4*1024*1024 {
		t.Errorf("Expected MaxReadSizeBytes to be 4MiB, got %d (%v)", size, err)
	}
	if cfg.Cache.BucketCount != 256 {
		t.Errorf("Expected BucketCount to be 256, got %d", cfg.Cache.BucketCount)
	}
	if cfg.Cloud.Backend != "memory" {
		t.Errorf("Expected Backend to be memory, got %s", cfg.Cloud.Backend)
	}
	if cfg.Mount.AttrTimeout != time.Second {
		t.Errorf("Expected AttrTimeout to be 1s, got %v", cfg.Mount.AttrTimeout)
	}
	if !cfg.Upload.Enabled {
		t.Error("Expected uploads to be enabled by default")
	}
}

func validConfig() *Configuration {
	cfg := NewDefault()
	cfg.Mount.Bundles = []string{"com.example.gallery"}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  func() *Configuration
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			config:  validConfig,
			wantErr: false,
		},
		{
			name: "no bundles",
			config: func() *Configuration {
				return NewDefault()
			},
			wantErr: true,
			errMsg:  "at least one bundle",
		},
		{
			name: "bundle with separator",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Mount.Bundles = []string{"../escape"}
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid bundle",
		},
		{
			name: "invalid log level",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Global.LogLevel = "INVALID"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid log_level",
		},
		{
			name: "bad max read size",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.FileSystem.MaxReadSize = "huge"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid max_read_size",
		},
		{
			name: "s3 without bucket",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Cloud.Backend = "s3"
				return cfg
			},
			wantErr: true,
			errMsg:  "cloud.bucket is required",
		},
		{
			name: "unknown backend",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Cloud.Backend = "ftp"
				return cfg
			},
			wantErr: true,
			errMsg:  "unknown cloud backend",
		},
		{
			name: "zero buckets",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Cache.BucketCount = 0
				return cfg
			},
			wantErr: true,
			errMsg:  "bucket_count must be greater than 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config()
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil && tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want error containing %v", err, tt.errMsg)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
global:
  log_level: DEBUG
  metrics_port: 9090

mount:
  mount_point: /tmp/cloud
  user_id: 101
  bundles:
    - com.example.notes
    - com.example.gallery

filesystem:
  max_read_size: 1MB

cloud:
  backend: s3
  bucket: drive-assets
  endpoint: http://localhost:9000
  force_path_style: true
`

	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Mount.UserID != 101 {
		t.Errorf("Expected UserID to be 101, got %d", cfg.Mount.UserID)
	}
	if len(cfg.Mount.Bundles) != 2 || cfg.Mount.Bundles[1] != "com.example.gallery" {
		t.Errorf("Unexpected bundles: %v", cfg.Mount.Bundles)
	}
	if cfg.Cloud.Bucket != "drive-assets" || !cfg.Cloud.ForcePathStyle {
		t.Errorf("Unexpected cloud config: %+v", cfg.Cloud)
	}
	// Untouched sections keep their defaults.
	if cfg.Cache.BucketCount != 256 {
		t.Errorf("Expected BucketCount default to survive, got %d", cfg.Cache.BucketCount)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadFromFileNonExistent(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error when loading non-existent config file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CLOUDDISK_LOG_LEVEL", "WARN")
	t.Setenv("CLOUDDISK_METRICS_PORT", "9200")
	t.Setenv("CLOUDDISK_BUNDLES", "com.a, com.b,,")
	t.Setenv("CLOUDDISK_USER_ID", "not-a-number")
	t.Setenv("CLOUDDISK_UPLOAD_ENABLED", "false")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Global.LogLevel != "WARN" {
		t.Errorf("Expected LogLevel WARN, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9200 {
		t.Errorf("Expected MetricsPort 9200, got %d", cfg.Global.MetricsPort)
	}
	if len(cfg.Mount.Bundles) != 2 || cfg.Mount.Bundles[0] != "com.a" || cfg.Mount.Bundles[1] != "com.b" {
		t.Errorf("Unexpected bundles: %v", cfg.Mount.Bundles)
	}
	if cfg.Mount.UserID != 100 {
		t.Errorf("Invalid user id should be ignored, got %d", cfg.Mount.UserID)
	}
	if cfg.Upload.Enabled {
		t.Error("Expected uploads to be disabled")
	}
}

func TestSaveToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := validConfig()
	cfg.Cloud.Bucket = "round-trip"
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if loaded.Cloud.Bucket != "round-trip" {
		t.Errorf("Expected bucket round-trip, got %s", loaded.Cloud.Bucket)
	}
}
