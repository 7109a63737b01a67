package diskcache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/cockroachdb/pebble/v2"
)

const (
	journalDir  = "journal"
	metaKey     = "m/format"
	entryPrefix = "e/"
)

var errBadRecord = errors.New("diskcache: malformed journal record")

// record is the journal form of a committed entry.
type record struct {
	gen    uint64
	access uint64
	sizes  []int64
}

func (r record) total() int64 {
	var n int64
	for _, s := range r.sizes {
		n += s
	}
	return n
}

func (r record) encode() []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64*(2+len(r.sizes)))
	buf = binary.AppendUvarint(buf, r.gen)
	buf = binary.AppendUvarint(buf, r.access)
	for _, s := range r.sizes {
		buf = binary.AppendUvarint(buf, uint64(s))
	}
	return buf
}

func decodeRecord(b []byte, valueCount int) (record, error) {
	var r record
	var n int
	r.gen, n = binary.Uvarint(b)
	if n <= 0 {
		return r, errBadRecord
	}
	b = b[n:]
	r.access, n = binary.Uvarint(b)
	if n <= 0 {
		return r, errBadRecord
	}
	b = b[n:]
	r.sizes = make([]int64, valueCount)
	for i := range valueCount {
		v, n := binary.Uvarint(b)
		if n <= 0 {
			return r, errBadRecord
		}
		r.sizes[i] = int64(v)
		b = b[n:]
	}
	if len(b) != 0 {
		return r, errBadRecord
	}
	return r, nil
}

// journal persists entry metadata in a pebble database so the index
// survives restarts. Writes are unsynced; Flush forces them out.
type journal struct {
	db *pebble.DB
}

func openJournal(path string) (*journal, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("diskcache: open journal: %w", err)
	}
	return &journal{db: db}, nil
}

func formatTag(version, valueCount int) []byte {
	return []byte(strconv.Itoa(version) + "/" + strconv.Itoa(valueCount))
}

// matches reports whether the journal was written for this version and
// value count. A fresh journal adopts the given format.
func (j *journal) matches(version, valueCount int) (bool, error) {
	want := formatTag(version, valueCount)
	got, closer, err := j.db.Get([]byte(metaKey))
	if errors.Is(err, pebble.ErrNotFound) {
		empty, err := j.empty()
		if err != nil {
			return false, err
		}
		if !empty {
			return false, nil
		}
		return true, j.db.Set([]byte(metaKey), want, pebble.Sync)
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	return string(got) == string(want), nil
}

func (j *journal) empty() (bool, error) {
	iter, err := j.db.NewIter(nil)
	if err != nil {
		return false, err
	}
	defer iter.Close()
	return !iter.First(), nil
}

func (j *journal) put(key string, r record) error {
	return j.db.Set([]byte(entryPrefix+key), r.encode(), pebble.NoSync)
}

func (j *journal) remove(key string) error {
	return j.db.Delete([]byte(entryPrefix+key), pebble.NoSync)
}

// load calls fn for every entry record. Malformed records are reported
// with a nil record so the caller can drop them.
func (j *journal) load(valueCount int, fn func(key string, r *record)) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(entryPrefix),
		UpperBound: []byte("e0"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		key := string(iter.Key()[len(entryPrefix):])
		r, err := decodeRecord(iter.Value(), valueCount)
		if err != nil {
			fn(key, nil)
			continue
		}
		fn(key, &r)
	}
	return iter.Error()
}

func (j *journal) flush() error {
	return j.db.Flush()
}

func (j *journal) close() error {
	return j.db.Close()
}
