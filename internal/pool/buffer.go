package pool

import (
	"sync"
)

// BufferPool hands out byte slices of exact part sizes. Buffers are pooled per
// size; a plan typically has at most two distinct sizes (chunk and remainder).
type BufferPool struct {
	mu    sync.Mutex
	pools map[int64]*sync.Pool
}

// NewBufferPool creates an empty buffer pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{pools: make(map[int64]*sync.Pool)}
}

func (bp *BufferPool) poolFor(size int64) *sync.Pool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	p, ok := bp.pools[size]
	if !ok {
		p = &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, size)
				return &buf
			},
		}
		bp.pools[size] = p
	}
	return p
}

// Get returns a buffer with len(buf) == size.
// The caller is responsible for calling Put to return the buffer to the pool.
func (bp *BufferPool) Get(size int64) []byte {
	if size <= 0 {
		return []byte{}
	}
	bufPtr := bp.poolFor(size).Get().(*[]byte)
	return (*bufPtr)[:size]
}

// Put returns a buffer obtained from Get. The buffer must not be used after
// calling Put.
func (bp *BufferPool) Put(buf []byte) {
	size := int64(cap(buf))
	if size == 0 {
		return
	}
	buf = buf[:size]
	bp.poolFor(size).Put(&buf)
}
