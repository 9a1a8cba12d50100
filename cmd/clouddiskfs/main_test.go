package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "clouddisk.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
mount:
  mount_point: /mnt/from-file
  user_id: 7
  bundles: [com.example.file]
`), 0o600))

	opts, err := parseFlags([]string{
		"--config", file,
		"--mount", "/mnt/from-flag",
		"--bundle", "com.example.a", "--bundle", "com.example.b",
		"--storage", "s3://photos",
		"--log-level", "DEBUG",
	})
	require.NoError(t, err)

	cfg, err := loadConfig(opts)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/from-flag", cfg.Mount.MountPoint)
	assert.Equal(t, 7, cfg.Mount.UserID)
	assert.Equal(t, []string{"com.example.a", "com.example.b"}, cfg.Mount.Bundles)
	assert.Equal(t, "s3", cfg.Cloud.Backend)
	assert.Equal(t, "photos", cfg.Cloud.Bucket)
	assert.Equal(t, "DEBUG", cfg.Global.LogLevel)
}

func TestParseFlagsRejectsArguments(t *testing.T) {
	_, err := parseFlags([]string{"extra"})
	assert.ErrorContains(t, err, "unexpected argument")
}

func TestLoadConfigRequiresBundle(t *testing.T) {
	opts, err := parseFlags([]string{"--mount", "/mnt/x"})
	require.NoError(t, err)
	_, err = loadConfig(opts)
	assert.Error(t, err)
}
