package gpu

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// BufferPool recycles device buffers of similar sizes. Command buffers and
// linear streams are retired and reacquired constantly, so reusing their
// backing storage avoids churning the device address space.
type BufferPool struct {
	device   Device
	pools    map[int64][]*pooledBuffer // size class -> available buffers
	active   map[uint64]*pooledBuffer  // GPU address -> buffers handed out
	mu       sync.RWMutex
	maxBytes int64 // Maximum total bytes kept for reuse
	curBytes int64 // Bytes currently held for reuse
	stats    PoolStats
}

// PoolStats tracks buffer pool statistics
type PoolStats struct {
	Allocations int64 // Total allocations
	Reuses      int64 // Buffers reused from pool
	Evictions   int64 // Buffers evicted due to memory pressure
	PoolHits    int64 // Successful pool lookups
	PoolMisses  int64 // Failed pool lookups (allocated new)
}

// pooledBuffer wraps a buffer with reference counting
type pooledBuffer struct {
	Buffer
	requestedSize int64
	actualSize    int64
	poolKey       int64
	refCount      int32
	pool          *BufferPool
	inUse         bool
}

// NewBufferPool creates a new buffer pool.
// maxBytes is the maximum memory kept for reuse (0 = unlimited).
func NewBufferPool(device Device, maxBytes int64) *BufferPool {
	return &BufferPool{
		device:   device,
		pools:    make(map[int64][]*pooledBuffer),
		active:   make(map[uint64]*pooledBuffer),
		maxBytes: maxBytes,
	}
}

// Allocate gets a buffer from the pool or allocates a new one
func (p *BufferPool) Allocate(size int64) (Buffer, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "size %d", size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Allocations++

	sizeClass := sizeClassOf(size)
	for checkSize := sizeClass; checkSize <= sizeClass*2; checkSize *= 2 {
		buffers := p.pools[checkSize]
		if len(buffers) == 0 {
			continue
		}
		buf := buffers[len(buffers)-1]
		if buf.actualSize < size {
			continue
		}
		p.pools[checkSize] = buffers[:len(buffers)-1]

		buf.inUse = true
		buf.refCount = 1
		buf.requestedSize = size
		p.active[buf.GPUAddress()] = buf

		p.curBytes -= buf.actualSize
		p.stats.Reuses++
		p.stats.PoolHits++
		return buf, nil
	}

	p.stats.PoolMisses++

	// New buffers are allocated at their size class so they can be reused
	// for any request that rounds to the same class.
	raw, err := p.device.Allocate(sizeClass)
	if err != nil {
		return nil, errors.Wrap(err, "pool allocation")
	}

	buf := &pooledBuffer{
		Buffer:        raw,
		requestedSize: size,
		actualSize:    sizeClass,
		poolKey:       sizeClass,
		refCount:      1,
		pool:          p,
		inUse:         true,
	}
	p.active[raw.GPUAddress()] = buf
	return buf, nil
}

// Release returns a buffer to the pool
func (p *BufferPool) Release(buf Buffer) error {
	pb, ok := buf.(*pooledBuffer)
	if !ok {
		return buf.Free()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	addr := pb.GPUAddress()
	tracked, isTracked := p.active[addr]
	if !isTracked {
		return pb.Buffer.Free()
	}

	tracked.refCount--
	if tracked.refCount > 0 {
		return nil
	}

	delete(p.active, addr)
	tracked.inUse = false

	if p.maxBytes > 0 && tracked.actualSize > p.maxBytes {
		return tracked.Buffer.Free()
	}
	for p.maxBytes > 0 && p.curBytes+tracked.actualSize > p.maxBytes {
		if !p.evictOldest() {
			break
		}
	}

	p.pools[tracked.poolKey] = append(p.pools[tracked.poolKey], tracked)
	p.curBytes += tracked.actualSize
	return nil
}

// evictOldest frees the oldest buffer of any size class
func (p *BufferPool) evictOldest() bool {
	for size, buffers := range p.pools {
		if len(buffers) == 0 {
			continue
		}
		buf := buffers[0]
		p.pools[size] = buffers[1:]
		p.curBytes -= buf.actualSize
		p.stats.Evictions++
		buf.Buffer.Free()
		return true
	}
	return false
}

// Clear empties the pool and frees all cached buffers
func (p *BufferPool) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for size, buffers := range p.pools {
		for _, buf := range buffers {
			if err := buf.Buffer.Free(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(p.pools, size)
	}
	p.curBytes = 0
	return firstErr
}

// Stats returns current pool statistics
func (p *BufferPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// MemoryUsage returns pooled bytes, bytes handed out, and the pool limit
func (p *BufferPool) MemoryUsage() (pooled, active, max int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, buf := range p.active {
		active += buf.actualSize
	}
	return p.curBytes, active, p.maxBytes
}

// sizeClassOf rounds up to the pool's size class
func sizeClassOf(n int64) int64 {
	if n <= 4096 {
		return 4096
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}

func (b *pooledBuffer) Size() int64 {
	return b.requestedSize
}

func (b *pooledBuffer) HostView() []byte {
	return b.Buffer.HostView()[:b.requestedSize]
}

func (b *pooledBuffer) Free() error {
	if b.pool != nil {
		return b.pool.Release(b)
	}
	return b.Buffer.Free()
}
