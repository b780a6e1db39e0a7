package channelpool

import "sync"

// BufferFactory supplies read buffers. A buffer passed to Callbacks.Data is
// returned to the factory when the callback returns.
type BufferFactory interface {
	Get() []byte
	Put([]byte)
}

type pooledBuffers struct {
	size int
	pool sync.Pool
}

// NewPooledBuffers returns a factory that recycles fixed-size buffers.
func NewPooledBuffers(size int) BufferFactory {
	b := &pooledBuffers{size: size}
	b.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return b
}

func (b *pooledBuffers) Get() []byte {
	return *(b.pool.Get().(*[]byte))
}

func (b *pooledBuffers) Put(buf []byte) {
	if cap(buf) < b.size {
		return
	}
	buf = buf[:b.size]
	b.pool.Put(&buf)
}

type heapBuffers struct {
	size int
}

// NewHeapBuffers returns a factory that allocates a fresh buffer for every
// read and never reuses it.
func NewHeapBuffers(size int) BufferFactory {
	return heapBuffers{size: size}
}

func (b heapBuffers) Get() []byte { return make([]byte, b.size) }
func (heapBuffers) Put([]byte)     {}
