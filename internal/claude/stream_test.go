package claude

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkBufferDeliversInOrder(t *testing.T) {
	b := newChunkBuffer(8)
	b.push(Chunk{Text: "a"})
	b.push(Chunk{Text: "b"})
	b.push(Chunk{Text: "c"})
	b.push(Chunk{Done: true})
	b.close()

	var texts []string
	var done bool
	for c := range b.out {
		if c.Text != "" {
			texts = append(texts, c.Text)
		}
		if c.Done {
			done = true
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, texts)
	assert.True(t, done)
}

func TestChunkBufferCoalescesWhenFull(t *testing.T) {
	// No pump: exercises the overflow policy deterministically.
	b := &chunkBuffer{capacity: 3}

	b.push(Chunk{Text: "1"})
	b.push(Chunk{Text: "2"})
	b.push(Chunk{Text: "3"})
	require.Len(t, b.chunks, 3)

	b.push(Chunk{Text: "4"})
	require.Len(t, b.chunks, 3)
	assert.Equal(t, "12", b.chunks[0].Text)
	assert.Equal(t, 1, b.coalescedCount())

	b.push(Chunk{Text: "5"})
	assert.Equal(t, "123", b.chunks[0].Text)

	var joined strings.Builder
	for _, c := range b.chunks {
		joined.WriteString(c.Text)
	}
	assert.Equal(t, "12345", joined.String())
}

func TestChunkBufferCoalescePreservesTurnBoundary(t *testing.T) {
	b := &chunkBuffer{capacity: 4}

	b.push(Chunk{Text: "a"})
	b.push(Chunk{Done: true})
	b.push(Chunk{Text: "b"})
	b.push(Chunk{Text: "c"})

	// Overflow merges a with its Done marker, never b into a's turn.
	b.push(Chunk{Text: "d"})
	require.Len(t, b.chunks, 4)
	assert.Equal(t, Chunk{Text: "a", Done: true}, b.chunks[0])
	assert.Equal(t, "b", b.chunks[1].Text)
}

func TestChunkBufferPushAfterCloseDropped(t *testing.T) {
	b := newChunkBuffer(4)
	b.push(Chunk{Text: "kept"})
	b.close()
	b.push(Chunk{Text: "dropped"})

	var texts []string
	for c := range b.out {
		texts = append(texts, c.Text)
	}
	assert.Equal(t, []string{"kept"}, texts)
}

func TestChunkBufferSlowConsumerLosesNothing(t *testing.T) {
	b := newChunkBuffer(4)
	const n = 50
	for i := 0; i < n; i++ {
		b.push(Chunk{Text: "x"})
	}
	b.close()

	var got strings.Builder
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-b.out:
			if !ok {
				assert.Equal(t, strings.Repeat("x", n), got.String())
				return
			}
			got.WriteString(c.Text)
			time.Sleep(time.Millisecond)
		case <-deadline:
			t.Fatal("buffer did not drain")
		}
	}
}
