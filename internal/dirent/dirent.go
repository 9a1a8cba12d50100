// Package dirent encodes and decodes directory entries in the kernel's
// fuse_dirent layout:
//
//	ino u64 | off u64 | namelen u32 | type u32 | name | zero padding to 8 bytes
package dirent

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed part of one encoded entry.
const HeaderSize = 24

// Entry is one decoded directory entry.
type Entry struct {
	Ino  uint64
	Off  uint64
	Type uint32
	Name string
}

// Size returns the encoded size of an entry named name.
func Size(name string) int {
	return align(HeaderSize + len(name))
}

// Append encodes one entry onto buf. The caller checks the budget with Size first.
func Append(buf []byte, ino, off uint64, mode uint32, name string) []byte {
	size := Size(name)
	start := len(buf)
	for i := 0; i < size; i++ {
		buf = append(buf, 0)
	}
	rec := buf[start:]
	binary.LittleEndian.PutUint64(rec[0:], ino)
	binary.LittleEndian.PutUint64(rec[8:], off)
	binary.LittleEndian.PutUint32(rec[16:], uint32(len(name)))
	binary.LittleEndian.PutUint32(rec[20:], (mode&0170000)>>12)
	copy(rec[HeaderSize:], name)
	return buf
}

// Decode parses a buffer produced by Append.
func Decode(buf []byte) ([]Entry, error) {
	var entries []Entry
	for len(buf) > 0 {
		if len(buf) < HeaderSize {
			return entries, fmt.Errorf("truncated dirent header: %d bytes", len(buf))
		}
		nameLen := int(binary.LittleEndian.Uint32(buf[16:]))
		size := align(HeaderSize + nameLen)
		if len(buf) < size {
			return entries, fmt.Errorf("truncated dirent: need %d bytes, have %d", size, len(buf))
		}
		entries = append(entries, Entry{
			Ino:  binary.LittleEndian.Uint64(buf[0:]),
			Off:  binary.LittleEndian.Uint64(buf[8:]),
			Type: binary.LittleEndian.Uint32(buf[20:]),
			Name: string(buf[HeaderSize : HeaderSize+nameLen]),
		})
		buf = buf[size:]
	}
	return entries, nil
}

func align(n int) int {
	return (n + 7) &^ 7
}
