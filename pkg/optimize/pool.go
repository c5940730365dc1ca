// Package optimize holds small allocation-avoidance helpers used on hot
// paths: pooled byte buffers for I/O and slice utilities that keep window
// trimming from pinning large backing arrays.
package optimize

import (
	"sync"
)

// BytePool recycles fixed-size byte slices.
type BytePool struct {
	pool sync.Pool
	size int
}

func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		},
	}
}

func (p *BytePool) Get() []byte {
	return p.pool.Get().([]byte)
}

// Put returns a slice to the pool. Undersized slices are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) >= p.size {
		p.pool.Put(b[:p.size])
	}
}
