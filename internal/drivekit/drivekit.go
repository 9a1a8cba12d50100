// Package drivekit defines the cloud drive SDK consumed by the filesystem:
// a per-bundle container, its private database, asset read sessions, id
// generation and asset upload. Implementations live in memkit and s3kit.
package drivekit

import (
	"context"
	"errors"
	"fmt"
)

// Record type and asset field used for file content.
const (
	RecordTypeFile    = "file"
	AssetFieldContent = "content"
)

// Kit is the entry point of a drive backend.
type Kit interface {
	GetDefaultContainer(bundle string) (Container, error)
}

// Container is the cloud space of one bundle.
type Container interface {
	GetPrivateDatabase() (Database, error)
}

// Database is the private database of one bundle.
type Database interface {
	// NewAssetReadSession builds a session for the asset stored in field of
	// record cloudID. localPath is where an SDK may stage downloaded data;
	// memkit and s3kit read ranges directly and leave it unused.
	NewAssetReadSession(recordType, cloudID, field, localPath string) ReadSession
	GenerateIds(ctx context.Context, count int) ([]string, error)
	UploadAsset(ctx context.Context, recordType, cloudID, field, localPath string) error
}

// ReadSession is a random-access reader over one remote asset.
type ReadSession interface {
	InitSession(ctx context.Context) error
	// PRead fills buf from offset. A short count with a nil error means end of asset.
	PRead(ctx context.Context, offset int64, buf []byte) (int, error)
	// Close releases the session; force abandons in-flight transfers.
	Close(force bool) bool
}

// ErrorDomain classifies where a drive failure originated.
type ErrorDomain int

const (
	DomainNone ErrorDomain = iota
	DomainNetwork
	DomainServer
	DomainLocal
)

func (d ErrorDomain) String() string {
	switch d {
	case DomainNone:
		return "none"
	case DomainNetwork:
		return "network"
	case DomainServer:
		return "server"
	case DomainLocal:
		return "local"
	default:
		return fmt.Sprintf("domain(%d)", int(d))
	}
}

// LocalCode details a DomainLocal failure.
type LocalCode int

const (
	LocalCodeNone LocalCode = iota
	LocalCodeInvalidArgument
	LocalCodeIO
	// LocalCodeDownloadRequest means fetching the asset content failed.
	LocalCodeDownloadRequest
	LocalCodeSessionNotInitialized
)

// Error is a drive failure with its domain.
type Error struct {
	Domain     ErrorDomain
	LocalCode  LocalCode
	ServerCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("drivekit %s error", e.Domain)
	switch e.Domain {
	case DomainServer:
		msg += fmt.Sprintf(" (code %d)", e.ServerCode)
	case DomainLocal:
		msg += fmt.Sprintf(" (local code %d)", e.LocalCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// NetworkError builds a DomainNetwork error.
func NetworkError(msg string, cause error) *Error {
	return &Error{Domain: DomainNetwork, Message: msg, Cause: cause}
}

// ServerError builds a DomainServer error.
func ServerError(code int, msg string, cause error) *Error {
	return &Error{Domain: DomainServer, ServerCode: code, Message: msg, Cause: cause}
}

// LocalError builds a DomainLocal error.
func LocalError(code LocalCode, msg string, cause error) *Error {
	return &Error{Domain: DomainLocal, LocalCode: code, Message: msg, Cause: cause}
}

// AsError extracts the drive error from err's chain.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
