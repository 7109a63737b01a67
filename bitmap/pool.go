package bitmap

import "sync"

// DefaultPoolBytes bounds the total capacity of buffers parked in a Pool.
const DefaultPoolBytes = 32 * 1024 * 1024

// SizeClass describes a pending decode: the source size, the sample factor
// and the target pixel format.
type SizeClass struct {
	Width      int
	Height     int
	SampleSize int
	Format     Format
}

// ByteCount is the number of bytes the decoded pixels will occupy.
func (c SizeClass) ByteCount() int {
	return scaledSize(c.Width, c.SampleSize) * scaledSize(c.Height, c.SampleSize) * c.Format.BytesPerPixel()
}

type candidate struct {
	res *Resource
	gen uint64
}

// Pool keeps resources that were dropped from the memory cache so their
// buffers can back future decodes.
//
// The pool never owns a candidate: a candidate whose generation moved on
// since it was offered is discarded on the next scan.
type Pool struct {
	mu          sync.Mutex
	fineGrained bool
	maxBytes    int64
	bytes       int64
	candidates  []candidate
}

// NewPool creates a pool. fineGrained selects the capacity-based
// compatibility rule; otherwise only exact full-resolution matches qualify.
func NewPool(fineGrained bool, maxBytes int64) *Pool {
	if maxBytes <= 0 {
		maxBytes = DefaultPoolBytes
	}
	return &Pool{
		fineGrained: fineGrained,
		maxBytes:    maxBytes,
	}
}

func (p *Pool) FineGrained() bool {
	return p.fineGrained
}

// Offer registers res as a reuse candidate. Immutable or retained resources
// are ignored.
func (p *Pool) Offer(res *Resource) {
	if p == nil || res == nil || !res.Mutable || res.retained() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.candidates {
		if c.res == res {
			return
		}
	}

	p.candidates = append(p.candidates, candidate{res: res, gen: res.Generation()})
	p.bytes += int64(res.AllocationByteCount())

	for p.bytes > p.maxBytes && len(p.candidates) > 0 {
		oldest := p.candidates[0]
		p.candidates = p.candidates[1:]
		p.bytes -= int64(oldest.res.AllocationByteCount())
	}
}

// Acquire removes and returns the first live candidate that can hold a
// decode of the given class.
func (p *Pool) Acquire(class SizeClass) (*Resource, bool) {
	if p == nil {
		return nil, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.candidates[:0]
	var found *Resource
	for _, c := range p.candidates {
		if found != nil {
			kept = append(kept, c)
			continue
		}
		if c.res.Generation() != c.gen || !c.res.Mutable {
			p.bytes -= int64(c.res.AllocationByteCount())
			continue
		}
		if !c.res.retained() && p.compatible(c.res, class) {
			p.bytes -= int64(c.res.AllocationByteCount())
			found = c.res
			continue
		}
		kept = append(kept, c)
	}
	clear(p.candidates[len(kept):])
	p.candidates = kept

	return found, found != nil
}

func (p *Pool) compatible(res *Resource, class SizeClass) bool {
	if !p.fineGrained {
		return res.Width == class.Width &&
			res.Height == class.Height &&
			res.Format == class.Format &&
			class.SampleSize <= 1
	}
	return class.ByteCount() <= res.AllocationByteCount()
}

// Len reports the number of parked candidates, stale ones included.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.candidates)
	p.candidates = p.candidates[:0]
	p.bytes = 0
}
