package audio

import (
	"sync"
	"time"

	"github.com/teddyo/teddyvoice/internal/utils"
)

// Chunk is one slice of inbound audio plus its arrival time. The buffer owns
// a chunk while queued; ownership transfers back to the caller on Read.
type Chunk struct {
	Data       []byte
	ReceivedAt time.Time
}

// Buffer is a fixed-capacity byte queue with drop-oldest backpressure.
// Overflow is policy, not an error: the oldest chunks are evicted and their
// sizes accumulated in a dropped-bytes counter.
type Buffer struct {
	mu        sync.Mutex
	chunks    []Chunk
	capacity  int
	chunkSize int

	sizeBytes    int
	totalBytes   int
	droppedBytes int
}

type Stats struct {
	BufferedBytes int `json:"buffered_bytes"`
	TotalBytes    int `json:"total_bytes"`
	DroppedBytes  int `json:"dropped_bytes"`
	Chunks        int `json:"chunks"`
	CapacityBytes int `json:"capacity_bytes"`
}

func NewBuffer(capacityBytes, chunkSizeBytes int) (*Buffer, error) {
	const op = "audio.NewBuffer"

	if capacityBytes <= 0 || chunkSizeBytes <= 0 {
		return nil, utils.E(utils.CodeInvalidArgument, op, "capacity and chunk size must be > 0", nil)
	}
	return &Buffer{capacity: capacityBytes, chunkSize: chunkSizeBytes}, nil
}

// ChunkSize is the read-trigger threshold the orchestrator drains at.
func (b *Buffer) ChunkSize() int { return b.chunkSize }

// Write appends data, evicting oldest chunks first if the byte capacity
// would be exceeded. Never fails for overflow.
func (b *Buffer) Write(data []byte) {
	if len(data) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalBytes += len(data)

	// A single write larger than the whole buffer keeps only its newest
	// capacity bytes, so the capacity invariant holds for any input.
	if len(data) > b.capacity {
		b.droppedBytes += len(data) - b.capacity
		data = data[len(data)-b.capacity:]
	}

	for len(b.chunks) > 0 && b.sizeBytes+len(data) > b.capacity {
		oldest := b.chunks[0]
		b.chunks = b.chunks[1:]
		b.sizeBytes -= len(oldest.Data)
		b.droppedBytes += len(oldest.Data)
	}

	b.chunks = append(b.chunks, Chunk{Data: data, ReceivedAt: time.Now().UTC()})
	b.sizeBytes += len(data)
}

// Read removes and returns up to maxBytes, reassembling across chunks in
// FIFO order. A chunk that would overflow the request is split and its
// remainder pushed back to the front.
func (b *Buffer) Read(maxBytes int) ([]byte, error) {
	const op = "Buffer.Read"

	if maxBytes <= 0 {
		return nil, utils.E(utils.CodeInvalidArgument, op, "maxBytes must be > 0", nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.chunks) == 0 {
		return nil, nil
	}

	out := make([]byte, 0, maxBytes)
	for len(b.chunks) > 0 && len(out) < maxBytes {
		head := b.chunks[0]
		if len(out)+len(head.Data) <= maxBytes {
			out = append(out, head.Data...)
			b.chunks = b.chunks[1:]
			b.sizeBytes -= len(head.Data)
			continue
		}

		needed := maxBytes - len(out)
		out = append(out, head.Data[:needed]...)
		b.chunks[0] = Chunk{Data: head.Data[needed:], ReceivedAt: head.ReceivedAt}
		b.sizeBytes -= needed
		break
	}
	return out, nil
}

func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sizeBytes
}

func (b *Buffer) DroppedBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.droppedBytes
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.sizeBytes = 0
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		BufferedBytes: b.sizeBytes,
		TotalBytes:    b.totalBytes,
		DroppedBytes:  b.droppedBytes,
		Chunks:        len(b.chunks),
		CapacityBytes: b.capacity,
	}
}
