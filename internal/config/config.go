package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/clouddiskfs/clouddiskfs/pkg/utils"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Mount      MountConfig      `yaml:"mount"`
	Cache      CacheConfig      `yaml:"cache"`
	FileSystem FileSystemConfig `yaml:"filesystem"`
	Metadata   MetadataConfig   `yaml:"metadata"`
	Cloud      CloudConfig      `yaml:"cloud"`
	Upload     UploadConfig     `yaml:"upload"`
	Notify     NotifyConfig     `yaml:"notify"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
}

// MountConfig represents how the filesystem is presented to the kernel
type MountConfig struct {
	MountPoint   string        `yaml:"mount_point"`
	UserID       int           `yaml:"user_id"`
	Bundles      []string      `yaml:"bundles"`
	AllowOther   bool          `yaml:"allow_other"`
	Debug        bool          `yaml:"debug"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// CacheConfig represents the local content cache layout
type CacheConfig struct {
	Directory   string `yaml:"directory"`
	BucketCount int    `yaml:"bucket_count"`
}

// FileSystemConfig represents filesystem behaviour settings
type FileSystemConfig struct {
	MaxReadSize string `yaml:"max_read_size"`
}

// MetadataConfig represents the per-bundle metadata store settings
type MetadataConfig struct {
	Directory     string `yaml:"directory"`
	PoolSize      int    `yaml:"pool_size"`
	MaxOpenStores int    `yaml:"max_open_stores"`
}

// CloudConfig represents the drive kit backend
type CloudConfig struct {
	Backend        string               `yaml:"backend"`
	Bucket         string               `yaml:"bucket"`
	Region         string               `yaml:"region"`
	Endpoint       string               `yaml:"endpoint"`
	ForcePathStyle bool                 `yaml:"force_path_style"`
	UseCargoShip   bool                 `yaml:"use_cargoship"`
	StorageClass   string               `yaml:"storage_class"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// UploadConfig represents the background uploader settings
type UploadConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// NotifyConfig represents change notification settings
type NotifyConfig struct {
	JournalPath string `yaml:"journal_path"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFormat:   "text",
			MetricsPort: 9108,
		},
		Mount: MountConfig{
			MountPoint:   "/mnt/clouddisk",
			UserID:       100,
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
		},
		Cache: CacheConfig{
			Directory:   "/var/lib/clouddiskfs/cache",
			BucketCount: 256,
		},
		FileSystem: FileSystemConfig{
			MaxReadSize: "4MB",
		},
		Metadata: MetadataConfig{
			Directory:     "/var/lib/clouddiskfs/meta",
			PoolSize:      4,
			MaxOpenStores: 32,
		},
		Cloud: CloudConfig{
			Backend:      "memory",
			Region:       "us-east-1",
			UseCargoShip: true,
			StorageClass: "INTELLIGENT_TIERING",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Upload: UploadConfig{
			Enabled:     true,
			Workers:     2,
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("CLOUDDISK_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("CLOUDDISK_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("CLOUDDISK_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}

	// Mount settings
	if val := os.Getenv("CLOUDDISK_MOUNT_POINT"); val != "" {
		c.Mount.MountPoint = val
	}
	if val := os.Getenv("CLOUDDISK_USER_ID"); val != "" {
		if id, err := strconv.Atoi(val); err == nil {
			c.Mount.UserID = id
		}
	}
	if val := os.Getenv("CLOUDDISK_BUNDLES"); val != "" {
		c.Mount.Bundles = splitList(val)
	}

	// Storage locations
	if val := os.Getenv("CLOUDDISK_CACHE_DIR"); val != "" {
		c.Cache.Directory = val
	}
	if val := os.Getenv("CLOUDDISK_METADATA_DIR"); val != "" {
		c.Metadata.Directory = val
	}
	if val := os.Getenv("CLOUDDISK_MAX_READ_SIZE"); val != "" {
		c.FileSystem.MaxReadSize = val
	}

	// Cloud backend
	if val := os.Getenv("CLOUDDISK_BACKEND"); val != "" {
		c.Cloud.Backend = val
	}
	if val := os.Getenv("CLOUDDISK_BUCKET"); val != "" {
		c.Cloud.Bucket = val
	}
	if val := os.Getenv("CLOUDDISK_REGION"); val != "" {
		c.Cloud.Region = val
	}
	if val := os.Getenv("CLOUDDISK_ENDPOINT"); val != "" {
		c.Cloud.Endpoint = val
	}
	if val := os.Getenv("CLOUDDISK_UPLOAD_ENABLED"); val != "" {
		c.Upload.Enabled = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MaxReadSizeBytes returns the parsed cloud read limit.
func (c *Configuration) MaxReadSizeBytes() (int64, error) {
	return utils.ParseBytes(c.FileSystem.MaxReadSize)
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Mount.MountPoint == "" {
		return fmt.Errorf("mount_point is required")
	}
	if len(c.Mount.Bundles) == 0 {
		return fmt.Errorf("at least one bundle must be configured")
	}
	for _, bundle := range c.Mount.Bundles {
		if err := utils.ValidateName(bundle); err != nil {
			return fmt.Errorf("invalid bundle %q: %w", bundle, err)
		}
	}

	if c.Cache.Directory == "" || c.Metadata.Directory == "" {
		return fmt.Errorf("cache and metadata directories are required")
	}
	if c.Cache.BucketCount <= 0 {
		return fmt.Errorf("bucket_count must be greater than 0")
	}
	if c.Metadata.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be greater than 0")
	}
	if c.Metadata.MaxOpenStores <= 0 {
		return fmt.Errorf("max_open_stores must be greater than 0")
	}

	size, err := c.MaxReadSizeBytes()
	if err != nil {
		return fmt.Errorf("invalid max_read_size: %w", err)
	}
	if size <= 0 {
		return fmt.Errorf("max_read_size must be greater than 0")
	}

	switch c.Cloud.Backend {
	case "memory":
	case "s3":
		if c.Cloud.Bucket == "" {
			return fmt.Errorf("cloud.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown cloud backend: %s", c.Cloud.Backend)
	}

	if c.Upload.Enabled && c.Upload.MaxAttempts <= 0 {
		return fmt.Errorf("upload.max_attempts must be greater than 0")
	}

	return nil
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
