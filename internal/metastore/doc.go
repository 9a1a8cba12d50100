// Package metastore is the per-(bundle, user) metadata database behind the
// cloud disk filesystem. Each bundle gets its own SQLite file holding one
// row per file or directory, keyed by cloud id, with the parent's cloud id
// and the entry name forming the directory tree.
//
// Records carry a dirty type that tells the sync layer what to push:
// new records are dropped outright on unlink, while synced ones become
// deletion tombstones.
package metastore
