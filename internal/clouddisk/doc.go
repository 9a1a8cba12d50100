// Package clouddisk implements the Cloud Disk filesystem handlers.
//
// The mount root lists one directory per configured bundle. Below a
// bundle, names are resolved through the bundle's metadata store and file
// content is served either from the local cache file or, when no cache
// file exists, through a read-only cloud session. Writes only go to the
// local cache; on release a modified file is registered with the metadata
// store and a change event is published for the uploader.
//
// Handlers return syscall.Errno values directly; zero means success.
package clouddisk
