package dirent

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSize(t *testing.T) {
	assert.Equal(t, 32, Size("a"))
	assert.Equal(t, 32, Size("12345678"))
	assert.Equal(t, 40, Size("123456789"))
	assert.Equal(t, 24, Size(""))
}

func TestAppendDecode(t *testing.T) {
	var buf []byte
	buf = Append(buf, 10, 32, syscall.S_IFREG|0660, "photo.jpg")
	buf = Append(buf, 11, 72, syscall.S_IFDIR|0771, "album")
	require.Len(t, buf, Size("photo.jpg")+Size("album"))

	entries, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, Entry{Ino: 10, Off: 32, Type: syscall.DT_REG, Name: "photo.jpg"}, entries[0])
	assert.Equal(t, Entry{Ino: 11, Off: 72, Type: syscall.DT_DIR, Name: "album"}, entries[1])
}

func TestDecodeTruncated(t *testing.T) {
	buf := Append(nil, 1, 1, syscall.S_IFREG, "name")
	_, err := Decode(buf[:len(buf)-4])
	assert.Error(t, err)

	_, err = Decode(buf[:10])
	assert.Error(t, err)
}
