package proxy

import "context"

// BufferPool hands out a fixed number of equally sized buffers. Get blocks
// while all of them are in use, which bounds upload memory.
type BufferPool struct {
	buffers chan []byte
	size    int
}

// NewBufferPool allocates count buffers of size bytes.
func NewBufferPool(count, size int) *BufferPool {
	if count <= 0 {
		count = 1
	}
	p := &BufferPool{buffers: make(chan []byte, count), size: size}
	for i := 0; i < count; i++ {
		p.buffers <- make([]byte, size)
	}
	return p
}

// Size returns the length of every buffer.
func (p *BufferPool) Size() int { return p.size }

// Get waits for a free buffer.
func (p *BufferPool) Get(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.buffers:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a buffer obtained from Get.
func (p *BufferPool) Put(b []byte) {
	p.buffers <- b[:p.size]
}
