package engine

import "sync"

// DefaultBufferLimit bounds the datagrams queued in one direction.
const DefaultBufferLimit = 256

// Buffer is a bounded FIFO of datagrams standing in for a socket.
type Buffer struct {
	mu    sync.Mutex
	queue [][]byte
	limit int
}

func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	return &Buffer{limit: limit}
}

// Write queues a copy of p.
func (b *Buffer) Write(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) >= b.limit {
		return ErrBufferFull
	}
	b.queue = append(b.queue, append([]byte(nil), p...))
	return nil
}

// Read pops the oldest datagram, or returns ErrWantRead when empty.
func (b *Buffer) Read() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil, ErrWantRead
	}
	p := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	return p, nil
}

// Drain pops every queued datagram.
func (b *Buffer) Drain() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.queue
	b.queue = nil
	return out
}

func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = nil
}
