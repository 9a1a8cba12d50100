// Package cachelayout maps cloud ids to files in the local content cache.
//
// Cached content lives at <root>/<user>/<bundle>/cloud/<bucket>/<cloud id>,
// where the bucket spreads ids across a fixed number of directories.
package cachelayout

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/zeebo/blake3"

	"github.com/clouddiskfs/clouddiskfs/pkg/utils"
)

// DefaultBucketCount is used when a layout is built with a non-positive count.
const DefaultBucketCount = 256

// Layout resolves cache paths under a single root.
type Layout struct {
	root    string
	buckets int
}

// New returns a layout rooted at root.
func New(root string, buckets int) *Layout {
	if buckets <= 0 {
		buckets = DefaultBucketCount
	}
	return &Layout{root: root, buckets: buckets}
}

// Root returns the cache root directory.
func (l *Layout) Root() string { return l.root }

// BucketID returns the bucket a cloud id is stored in. The value is
// stable across restarts.
func (l *Layout) BucketID(cloudID string) int {
	sum := blake3.Sum256([]byte(cloudID))
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(l.buckets))
}

// CloudPath returns the local cache file for cloudID.
func (l *Layout) CloudPath(userID int, bundle, cloudID string) (string, error) {
	if err := utils.ValidateName(bundle); err != nil {
		return "", fmt.Errorf("bundle: %w", err)
	}
	if err := utils.ValidateName(cloudID); err != nil {
		return "", fmt.Errorf("cloud id: %w", err)
	}
	return utils.SecureJoin(l.root,
		strconv.Itoa(userID), bundle, "cloud", strconv.Itoa(l.BucketID(cloudID)), cloudID)
}

// Prepare resolves the cache path for cloudID and creates its bucket directory.
func (l *Layout) Prepare(userID int, bundle, cloudID string) (string, error) {
	path, err := l.CloudPath(userID, bundle, cloudID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o771); err != nil {
		return "", fmt.Errorf("create cache bucket: %w", err)
	}
	return path, nil
}

// Remove deletes the cached content of cloudID. A missing file is not an error.
func (l *Layout) Remove(userID int, bundle, cloudID string) error {
	path, err := l.CloudPath(userID, bundle, cloudID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
