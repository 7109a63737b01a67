package blobstore

import (
	"gocloud.dev/blob/memblob"
)

// NewMemory creates an in-memory store, mostly for tests and demos.
func NewMemory(prefix string) *Store {
	s := New(memblob.OpenBucket(nil), prefix)
	s.owns = true
	return s
}
