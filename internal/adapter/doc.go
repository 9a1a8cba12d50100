/*
Package adapter wires the Cloud Disk daemon together.

New turns a config.Configuration into a running set of components:

  - a metastore.Manager with one SQLite database per bundle
  - a drive kit, either the in-memory memkit or the S3-backed s3kit
  - a notify.Hub fanning change events out to an optional CBOR journal
    and to the background uploader
  - the clouddisk core and its go-fuse mount

Start brings up the metrics endpoint and the uploader, then mounts. Stop
reverses the order. The storage location can also be given as a URI:

	s3://bucket    files live in an S3 bucket
	mem://         files live in process memory (testing, demos)
*/
package adapter
