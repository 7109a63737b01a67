package diskcache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dgraph-io/ristretto/v2/z"
)

// Snapshot is a read-only view of one committed entry. The values are
// memory-mapped and stay readable after the entry is evicted, until Close.
type Snapshot struct {
	key   string
	data  [][]byte
	files []*os.File
}

func openSnapshot(key string, paths []string, sizes []int64) (*Snapshot, error) {
	s := &Snapshot{
		key:   key,
		data:  make([][]byte, len(paths)),
		files: make([]*os.File, 0, len(paths)),
	}
	for i, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.files = append(s.files, f)

		b, err := mmapFile(f)
		if err != nil {
			s.Close()
			return nil, err
		}
		if int64(len(b)) != sizes[i] {
			_ = munmap(b)
			s.Close()
			return nil, fmt.Errorf("diskcache: value %d of %q has %d bytes, journal says %d", i, key, len(b), sizes[i])
		}
		s.data[i] = b
	}
	return s, nil
}

func (s *Snapshot) Key() string { return s.key }

func (s *Snapshot) Reader(i int) io.Reader {
	return bytes.NewReader(s.data[i])
}

// Bytes returns the mapped value. The slice is invalid after Close.
func (s *Snapshot) Bytes(i int) []byte {
	return s.data[i]
}

func (s *Snapshot) Size(i int) int64 {
	return int64(len(s.data[i]))
}

func (s *Snapshot) Close() error {
	var err error
	for i, b := range s.data {
		err = errors.Join(err, munmap(b))
		s.data[i] = nil
	}
	for _, f := range s.files {
		err = errors.Join(err, f.Close())
	}
	s.files = nil
	return err
}

func mmapFile(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, nil
	}
	return z.Mmap(f, false, info.Size())
}

func munmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return z.Munmap(data)
}
