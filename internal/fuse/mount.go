package fuse

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// MountOptions contains FUSE mount options
type MountOptions struct {
	AllowOther bool
	Debug      bool
	FSName     string
	MaxWrite   int
}

// MountManager manages FUSE mount operations
type MountManager struct {
	filesystem *FileSystem
	mountPoint string
	options    MountOptions
	logger     *slog.Logger

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
	done    chan struct{}
}

// NewMountManager creates a new mount manager
func NewMountManager(filesystem *FileSystem, mountPoint string, options MountOptions) *MountManager {
	if options.FSName == "" {
		options.FSName = "clouddiskfs"
	}
	if options.MaxWrite == 0 {
		options.MaxWrite = 128 * 1024
	}
	return &MountManager{
		filesystem: filesystem,
		mountPoint: filepath.Clean(mountPoint),
		options:    options,
		logger:     filesystem.logger.With("mount_point", mountPoint),
	}
}

// Mount mounts the filesystem and starts serving requests in the background.
func (m *MountManager) Mount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}
	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	server, err := fuse.NewServer(m.filesystem, m.mountPoint, m.buildFUSEOptions())
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}
	m.server = server
	m.mounted = true
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		server.Serve()
		m.mu.Lock()
		m.mounted = false
		m.mu.Unlock()
		m.logger.Info("FUSE server stopped")
	}()

	if err := server.WaitMount(); err != nil {
		_ = server.Unmount()
		return fmt.Errorf("waiting for mount: %w", err)
	}
	m.logger.Info("filesystem mounted")
	return nil
}

// Unmount unmounts the filesystem, falling back to a lazy unmount.
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	server, mounted := m.server, m.mounted
	m.mu.Unlock()

	if !mounted || server == nil {
		return fmt.Errorf("filesystem is not mounted")
	}

	m.logger.Info("unmounting filesystem")
	if err := server.Unmount(); err != nil {
		m.logger.Warn("normal unmount failed, trying lazy unmount", "error", err)
		if forceErr := unix.Unmount(m.mountPoint, unix.MNT_DETACH); forceErr != nil {
			return fmt.Errorf("unmount failed: %w (lazy unmount also failed: %v)", err, forceErr)
		}
	}
	return nil
}

// Wait blocks until the server stops serving.
func (m *MountManager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// IsMounted reports whether the server is serving.
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// MountPoint returns the mount directory.
func (m *MountManager) MountPoint() string {
	return m.mountPoint
}

func (m *MountManager) validateMountPoint() error {
	if m.mountPoint == "" || m.mountPoint == "." {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(m.mountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", m.mountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.mountPoint)
	}

	entries, err := os.ReadDir(m.mountPoint)
	if err != nil {
		return fmt.Errorf("cannot read mount point directory: %w", err)
	}
	if len(entries) > 0 {
		m.logger.Warn("mount point is not empty")
	}

	if mounted, _ := isMountPoint("/proc/mounts", m.mountPoint); mounted {
		return fmt.Errorf("mount point %s is already mounted", m.mountPoint)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fuse.MountOptions {
	return &fuse.MountOptions{
		Name:        m.options.FSName,
		FsName:      m.options.FSName,
		AllowOther:  m.options.AllowOther,
		Debug:       m.options.Debug,
		MaxWrite:    m.options.MaxWrite,
		DirectMount: true,
	}
}

// isMountPoint reports whether dir appears as a mount target in a
// mounts table such as /proc/mounts.
func isMountPoint(table, dir string) (bool, error) {
	f, err := os.Open(table)
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == dir {
			return true, nil
		}
	}
	return false, scanner.Err()
}
