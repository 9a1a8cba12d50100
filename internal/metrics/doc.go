/*
Package metrics exposes Prometheus metrics for the Cloud Disk filesystem.

The collector keeps its series on a private registry and serves them over
HTTP together with a health probe and a JSON per-operation summary:

	/metrics            Prometheus / OpenMetrics exposition
	/health             liveness probe
	/debug/operations   per-operation counts, errors and mean latency

Series (with the default "clouddisk" namespace):

	clouddisk_operations_total{operation,status}
	clouddisk_operation_duration_seconds{operation}
	clouddisk_operation_size_bytes{operation}
	clouddisk_errors_total{operation,errno}
	clouddisk_cache_requests_total{cache,result}
	clouddisk_cloud_read_bytes_total{bundle}
	clouddisk_uploads_total{bundle,status}
	clouddisk_open_handles
	clouddisk_inodes

Every recording method is safe on a nil or disabled collector, so callers
never need to guard metric calls:

	start := time.Now()
	errno := fs.read(...)
	collector.RecordOperation("read", time.Since(start), int64(n), errno)
*/
package metrics
