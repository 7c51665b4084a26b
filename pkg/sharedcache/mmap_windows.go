//go:build windows

package sharedcache

import (
	"io"
	"os"
)

// mmapFile falls back to a full read on platforms without a POSIX
// mmap; the mapped-file pool still bounds concurrency and evicts via
// LRU, it just pays a copy instead of a page-cache mapping.
func mmapFile(f *os.File, size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(f, buf); err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf, nil
}

func munmapFile(data []byte) error { return nil }
