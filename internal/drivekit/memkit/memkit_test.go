package memkit

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clouddiskfs/clouddiskfs/internal/drivekit"
)

func openDB(t *testing.T, kit *Kit, bundle string) drivekit.Database {
	t.Helper()
	c, err := kit.GetDefaultContainer(bundle)
	require.NoError(t, err)
	db, err := c.GetPrivateDatabase()
	require.NoError(t, err)
	return db
}

func TestReadSession(t *testing.T) {
	kit := New()
	kit.Database("com.a").PutAsset("C1", []byte("0123456789"))
	db := openDB(t, kit, "com.a")
	ctx := context.Background()

	s := db.NewAssetReadSession(drivekit.RecordTypeFile, "C1", drivekit.AssetFieldContent, "/tmp/unused")
	require.NoError(t, s.InitSession(ctx))
	assert.Equal(t, int64(1), kit.Database("com.a").OpenSessions())

	buf := make([]byte, 4)
	n, err := s.PRead(ctx, 8, buf)
	require.NoError(t, err)
	assert.Equal(t, "89", string(buf[:n]))

	n, err = s.PRead(ctx, 100, buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.True(t, s.Close(false))
	assert.False(t, s.Close(false))
	assert.Zero(t, kit.Database("com.a").OpenSessions())

	_, err = s.PRead(ctx, 0, buf)
	de, ok := drivekit.AsError(err)
	require.True(t, ok)
	assert.Equal(t, drivekit.DomainLocal, de.Domain)
}

func TestMissingAssetAndFaults(t *testing.T) {
	kit := New()
	db := openDB(t, kit, "com.a")
	ctx := context.Background()

	err := db.NewAssetReadSession(drivekit.RecordTypeFile, "nope", drivekit.AssetFieldContent, "").InitSession(ctx)
	de, ok := drivekit.AsError(err)
	require.True(t, ok)
	assert.Equal(t, drivekit.DomainServer, de.Domain)

	kit.Database("com.a").InjectFault(OpGenerateIds, drivekit.NetworkError("offline", nil))
	_, err = db.GenerateIds(ctx, 1)
	assert.Error(t, err)

	kit.Database("com.a").InjectFault(OpGenerateIds, nil)
	ids, err := db.GenerateIds(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	assert.NotEqual(t, ids[0], ids[1])

	_, err = kit.GetDefaultContainer("")
	assert.Error(t, err)
}

func TestUploadAsset(t *testing.T) {
	kit := New()
	db := openDB(t, kit, "com.a")
	path := filepath.Join(t.TempDir(), "C9")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o660))

	require.NoError(t, db.UploadAsset(context.Background(), drivekit.RecordTypeFile, "C9", drivekit.AssetFieldContent, path))
	data, ok := kit.Database("com.a").Asset("C9")
	require.True(t, ok)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, int64(1), kit.Database("com.a").Uploads())

	err := db.UploadAsset(context.Background(), drivekit.RecordTypeFile, "C10", drivekit.AssetFieldContent, path+"-missing")
	assert.Error(t, err)
}
