package metastore

import (
	"strconv"
	"time"
)

// RootCloudID is the parent cloud id of every top-level entry in a bundle.
const RootCloudID = "rootId"

// DirtyType tracks what the sync layer still has to push for a record.
type DirtyType int

const (
	DirtySynced DirtyType = iota
	DirtyNew
	DirtyMetadata
	DirtyFile
	DirtyDeleted
)

func (d DirtyType) String() string {
	switch d {
	case DirtySynced:
		return "synced"
	case DirtyNew:
		return "new"
	case DirtyMetadata:
		return "mdirty"
	case DirtyFile:
		return "fdirty"
	case DirtyDeleted:
		return "deleted"
	default:
		return "unknown(" + strconv.Itoa(int(d)) + ")"
	}
}

// Position records where a file's content currently lives.
type Position int

const (
	PositionLocal         Position = 1
	PositionCloud         Position = 2
	PositionLocalAndCloud Position = 3
)

// UploadState is the uploader's progress for a dirty record.
type UploadState int

const (
	UploadIdle UploadState = iota
	UploadRunning
	UploadFailed
)

// FileStatus values reported through the file-status attribute.
const (
	FileStatusToBeUploaded = "0"
	FileStatusUploading    = "1"
	FileStatusUploadFailed = "2"
	FileStatusUploaded     = "3"
	FileStatusRecycled     = "4"
)

// XAttrKey names a record attribute readable through GetXAttr/SetXAttr.
type XAttrKey string

const (
	XAttrPosition   XAttrKey = "position"
	XAttrFavorite   XAttrKey = "favorite"
	XAttrRecycle    XAttrKey = "recycle"
	XAttrFileStatus XAttrKey = "file_status"
)

// ChildInfo is one record as returned by LookUp, GetAttr and ReadDir.
type ChildInfo struct {
	CloudID       string
	ParentCloudID string
	LocalID       int64
	FileName      string
	IsDirectory   bool
	Size          int64
	Mtime         time.Time
	Ctime         time.Time
	Atime         time.Time
	DirtyType     DirtyType
	Position      Position
	// NextOff is the directory cursor value just past this entry.
	NextOff uint64
}
