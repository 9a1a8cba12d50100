/*
Package config provides configuration management for clouddiskfs.

Values are resolved in increasing order of precedence:

	compiled-in defaults (NewDefault)
	YAML file            (LoadFromFile)
	environment          (LoadFromEnv, CLOUDDISK_*)
	command-line flags   (applied by cmd/clouddiskfs)

# Sections

  - global: log level, log file, log format, metrics port
  - mount: mount point, user id, bundle list, kernel cache timeouts
  - cache: local content cache root and bucket count
  - filesystem: the largest single read served from a cloud session
  - metadata: per-bundle metadata database directory and pool sizing
  - cloud: drive kit backend (memory or s3) and circuit breaker
  - upload: background uploader retry policy
  - notify: optional change-notification journal

# Example

	mount:
	  mount_point: /mnt/clouddisk
	  user_id: 100
	  bundles: [com.example.gallery]
	cloud:
	  backend: s3
	  bucket: drive-assets

Validate must be called before the configuration is used.
*/
package config
