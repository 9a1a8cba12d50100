package notify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func TestHubFanOut(t *testing.T) {
	first, second := &recorder{}, &recorder{}
	failing := SinkFunc(func(context.Context, Event) error { return errors.New("sink down") })

	hub := NewHub(nil, first, failing)
	hub.Subscribe(second)

	hub.Publish(context.Background(), Event{Kind: KindMkdir, Inode: 7})

	require.Len(t, first.events, 1)
	require.Len(t, second.events, 1)
	assert.Equal(t, KindMkdir, second.events[0].Kind)
	assert.False(t, second.events[0].Time.IsZero())
}

func TestJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.cbor")
	j, err := OpenJournal(path)
	require.NoError(t, err)

	ctx := context.Background()
	hub := NewHub(nil, j)
	hub.Publish(ctx, Event{Kind: KindWrite, Inode: 3, Bundle: "com.a", CloudID: "C1", DirtyType: DirtyTypeOf(3)})
	hub.Publish(ctx, Event{Kind: KindRename, Inode: 4, Rename: &RenamePair{OldParent: 2, OldName: "a", NewParent: 2, NewName: "b"}})
	require.NoError(t, j.Close())
	assert.Error(t, j.Notify(ctx, Event{Kind: KindUnlink}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	events, err := ReadJournal(f)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "C1", events[0].CloudID)
	require.NotNil(t, events[0].DirtyType)
	assert.Equal(t, 3, *events[0].DirtyType)
	require.NotNil(t, events[1].Rename)
	assert.Equal(t, "b", events[1].Rename.NewName)
	assert.Nil(t, events[1].DirtyType)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "rename", KindRename.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
