package clouddisk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/clouddiskfs/clouddiskfs/internal/notify"
)

func (r *recorder) count(kind notify.Kind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func TestConcurrentReleaseFinalizesOnce(t *testing.T) {
	const (
		holders = 8
		extra   = 5
	)
	f := newFixture(t)
	ctx := context.Background()

	e, fh, errno := f.fs.Create(ctx, f.bundle, "shared.txt", 0o644, unix.O_RDWR)
	require.Zero(t, errno)
	_, errno = f.fs.Write(ctx, fh, 0, []byte("payload"))
	require.Zero(t, errno)
	for i := 1; i < holders; i++ {
		got, errno := f.fs.Open(ctx, e.Ino, unix.O_RDWR, fh)
		require.Zero(t, errno)
		require.Equal(t, fh, got)
	}
	writesBefore := f.events.count(notify.KindWrite)

	var (
		wg     sync.WaitGroup
		failed atomic.Int32
		other  atomic.Int32
	)
	for i := 0; i < holders+extra; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch f.fs.Release(ctx, fh) {
			case 0:
			case syscall.EINVAL:
				failed.Add(1)
			default:
				other.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(extra), failed.Load())
	assert.Zero(t, other.Load())
	assert.Equal(t, 1, f.events.count(notify.KindWrite)-writesBefore)
	_, ok := f.fs.files.get(fh)
	assert.False(t, ok)
}

// Meant to be run with -race.
func TestConcurrentLookupForget(t *testing.T) {
	const (
		workers = 8
		rounds  = 50
	)
	f := newFixture(t)
	ctx := context.Background()

	names := make([]string, 4)
	for i := range names {
		names[i] = fmt.Sprintf("file-%d.txt", i)
		f.seedCloudFile(t, fmt.Sprintf("id-%d", i), names[i], []byte("data"))
	}
	baseline := f.fs.inodes.len()

	var (
		wg       sync.WaitGroup
		failures atomic.Int32
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				name := names[(w+r)%len(names)]
				e, errno := f.fs.Lookup(ctx, f.bundle, name)
				if errno != 0 {
					failures.Add(1)
					continue
				}
				if _, errno := f.fs.GetAttr(ctx, e.Ino); errno != 0 {
					failures.Add(1)
				}
				if _, errno := f.fs.ReadDir(ctx, f.bundle, 0, 4096); errno != 0 {
					failures.Add(1)
				}
				f.fs.Forget(e.Ino, 1)
				if _, errno := f.fs.GetAttr(ctx, e.Ino); errno != 0 && errno != syscall.EINVAL {
					failures.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, baseline, f.fs.inodes.len(), "balanced lookups leave no cloud inodes behind")
}
