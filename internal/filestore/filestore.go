// Package filestore keeps uploaded blobs addressed by the sha256 of their
// content, so identical uploads share one file on disk.
package filestore

import (
	"errors"
	"io"
)

var ErrInvalidHash = errors.New("invalid content hash")

// FileStore stores and retrieves blobs by content hash.
type FileStore interface {
	// Put streams r to storage and returns its hex sha256 and size.
	// Storing content that already exists is a no-op.
	Put(r io.Reader) (hash string, size int64, err error)

	// Open returns the blob for hash. A missing blob yields an error
	// wrapping fs.ErrNotExist.
	Open(hash string) (io.ReadSeekCloser, error)
}
