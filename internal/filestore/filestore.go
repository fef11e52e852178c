package filestore

import (
	"io"
)

// BlobStore stores uploaded media content addressed by its SHA-256 hash.
// Storing the same content twice is a no-op, so re-uploads of an identical
// file cost nothing beyond the read.
type BlobStore interface {
	// Save reads r to the end, stores the content and returns its hex
	// hash and size in bytes.
	Save(r io.Reader) (hash string, size int64, err error)

	// Open returns the content for a previously saved hash.
	Open(hash string) (io.ReadCloser, error)
}
