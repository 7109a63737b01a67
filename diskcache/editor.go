package diskcache

import (
	"errors"
	"fmt"
	"io"
	"os"
)

var errEditDone = errors.New("diskcache: edit already committed or aborted")

// Editor stages the values of one entry. Nothing becomes visible to Get
// until Commit succeeds.
type Editor struct {
	c     *Cache
	key   string
	gen   uint64
	files []*os.File
	done  bool
}

// NewWriter returns a writer for value i, truncating anything written to
// it earlier in this edit.
func (e *Editor) NewWriter(i int) (io.Writer, error) {
	if e.done {
		return nil, errEditDone
	}
	if i < 0 || i >= len(e.files) {
		return nil, fmt.Errorf("diskcache: value index %d out of range [0,%d)", i, len(e.files))
	}
	if f := e.files[i]; f != nil {
		if err := f.Truncate(0); err != nil {
			return nil, err
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return f, nil
	}
	f, err := os.OpenFile(e.c.tempPath(e.key, e.gen, i), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	e.files[i] = f
	return f, nil
}

// Commit publishes the entry. Every value must have been written.
func (e *Editor) Commit() error {
	if e.done {
		return errEditDone
	}
	e.done = true

	sizes := make([]int64, len(e.files))
	var err error
	for i, f := range e.files {
		if f == nil {
			err = errors.Join(err, ErrIncompleteEdit)
			continue
		}
		info, serr := f.Stat()
		if serr == nil {
			sizes[i] = info.Size()
		}
		err = errors.Join(err, serr, f.Close())
	}
	if err != nil {
		e.removeTemps()
		e.c.endEdit(e.key)
		return err
	}
	return e.c.commit(e, sizes)
}

// Abort discards the edit. It is a no-op after Commit.
func (e *Editor) Abort() {
	if e.done {
		return
	}
	e.done = true
	for _, f := range e.files {
		if f != nil {
			_ = f.Close()
		}
	}
	e.removeTemps()
	e.c.endEdit(e.key)
}

func (e *Editor) removeTemps() {
	for i := range e.files {
		_ = os.Remove(e.c.tempPath(e.key, e.gen, i))
	}
}
