// Package bufpool provides size-bucketed byte-slice pools used by the
// DMA bounce buffers of the lsiscsi driver in internal/block. Pools hold *[]byte under the hood to avoid the extra
// interface allocation sync.Pool would otherwise impose per Get/Put.
package bufpool

import "sync"

const (
	Size4K   = 4 * 1024
	Size64K  = 64 * 1024
	Size256K = 256 * 1024
	Size1M   = 1024 * 1024
)

var sizes = []int{Size4K, Size64K, Size256K, Size1M}

// Pool is a set of size-bucketed sync.Pools. The zero value is ready to
// use.
type Pool struct {
	once  sync.Once
	pools map[int]*sync.Pool
}

func (p *Pool) init() {
	p.once.Do(func() {
		p.pools = make(map[int]*sync.Pool, len(sizes))
		for _, s := range sizes {
			s := s
			p.pools[s] = &sync.Pool{New: func() any {
				b := make([]byte, s)
				return &b
			}}
		}
	})
}

// Get returns a buffer of at least size bytes, sliced to exactly size.
// Requests larger than the biggest bucket allocate directly and are never
// pooled on Put.
func (p *Pool) Get(size int) []byte {
	p.init()
	for _, s := range sizes {
		if size <= s {
			buf := *(p.pools[s].Get().(*[]byte))
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns buf to its bucket's pool, determined by its capacity. A
// buffer whose capacity doesn't match a known bucket exactly (e.g. the
// caller's own make([]byte, n) for an oversized request) is dropped.
func (p *Pool) Put(buf []byte) {
	p.init()
	c := cap(buf)
	pool, ok := p.pools[c]
	if !ok {
		return
	}
	full := buf[:c]
	pool.Put(&full)
}

// Global is the shared pool used by default when a caller doesn't need
// an isolated instance.
var Global = &Pool{}
