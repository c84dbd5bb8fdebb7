package claude

import "sync"

// Chunk is one unit of assistant output. Done marks the end of a turn. A
// chunk may carry both text and the Done marker when buffer pressure
// coalesced a trailing text chunk with a turn end.
type Chunk struct {
	Text string
	Done bool
}

// chunkBuffer sits between the stdout reader and a possibly slow consumer.
// The reader side never blocks: once the buffer holds its capacity the two
// oldest compatible chunks are merged instead of dropping output. Merges
// never move text backwards across a Done boundary, so turn demarcation
// survives overflow.
type chunkBuffer struct {
	mu        sync.Mutex
	chunks    []Chunk
	capacity  int
	closed    bool
	coalesced int

	notify chan struct{}
	out    chan Chunk
}

func newChunkBuffer(capacity int) *chunkBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	b := &chunkBuffer{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		out:      make(chan Chunk),
	}
	go b.pump()
	return b
}

// push appends a chunk, merging the oldest entries when full. Pushes after
// close are dropped.
func (b *chunkBuffer) push(c Chunk) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.chunks) >= b.capacity {
		b.coalesceLocked()
	}
	b.chunks = append(b.chunks, c)
	b.mu.Unlock()
	b.wake()
}

// close marks the buffer finished. The pump drains what remains and then
// closes the out channel.
func (b *chunkBuffer) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.wake()
}

func (b *chunkBuffer) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// coalesceLocked merges the two oldest chunks whose boundary is not a turn
// end. In the degenerate case where every such pair straddles a Done
// marker, the two oldest merge anyway.
func (b *chunkBuffer) coalesceLocked() {
	b.coalesced++
	for i := 0; i+1 < len(b.chunks); i++ {
		if b.chunks[i].Done {
			continue
		}
		b.chunks[i] = Chunk{
			Text: b.chunks[i].Text + b.chunks[i+1].Text,
			Done: b.chunks[i+1].Done,
		}
		b.chunks = append(b.chunks[:i+1], b.chunks[i+2:]...)
		return
	}
	b.chunks[0] = Chunk{
		Text: b.chunks[0].Text + b.chunks[1].Text,
		Done: b.chunks[0].Done || b.chunks[1].Done,
	}
	b.chunks = append(b.chunks[:1], b.chunks[2:]...)
}

func (b *chunkBuffer) pump() {
	defer close(b.out)
	for {
		b.mu.Lock()
		if len(b.chunks) == 0 {
			if b.closed {
				b.mu.Unlock()
				return
			}
			b.mu.Unlock()
			<-b.notify
			continue
		}
		c := b.chunks[0]
		copy(b.chunks, b.chunks[1:])
		b.chunks = b.chunks[:len(b.chunks)-1]
		b.mu.Unlock()
		b.out <- c
	}
}

func (b *chunkBuffer) coalescedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.coalesced
}

func (b *chunkBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}
