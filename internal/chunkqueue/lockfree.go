package chunkqueue

import (
	"sync/atomic"
	"time"

	"github.com/callscore/platform/internal/status"
)

// lockFreeQueue is the atomic-index ring. The producer owns the write index
// and the consumer owns the read index; each publishes its advance with a
// store the other side observes with a load, so neither ever takes a lock.
// Indices grow monotonically and are reduced modulo capacity by bitmask,
// which is why the capacity must be a power of two.
//
// Correct under single-producer/single-consumer discipline; the occupancy
// counter mirrors writeIndex-readIndex for cheap observation.
type lockFreeQueue struct {
	cfg  Config
	mask uint64

	slots []Chunk

	write     atomic.Uint64
	read      atomic.Uint64
	occupancy atomic.Int64

	frameCounter atomic.Uint64
	totalChunks  atomic.Uint64
	overruns     atomic.Uint64
	underruns    atomic.Uint64

	spaceCh chan struct{}
	dataCh  chan struct{}
}

func newLockFreeQueue(cfg Config) *lockFreeQueue {
	q := &lockFreeQueue{
		cfg:     cfg,
		mask:    uint64(cfg.Capacity - 1),
		slots:   make([]Chunk, cfg.Capacity),
		spaceCh: make(chan struct{}, 1),
		dataCh:  make(chan struct{}, 1),
	}
	for i := range q.slots {
		q.slots[i].Samples = make([]float32, 0, cfg.ChunkCapacity)
	}
	return q
}

func (q *lockFreeQueue) Enqueue(samples []float32) error {
	if len(samples) > q.cfg.ChunkCapacity {
		return status.Newf(status.InvalidSize, "chunk of %d samples exceeds capacity %d", len(samples), q.cfg.ChunkCapacity)
	}

	w := q.write.Load()
	r := q.read.Load()
	if w-r == uint64(q.cfg.Capacity) {
		q.overruns.Add(1)
		return status.New(status.BufferFull, "chunk queue full")
	}

	// The slot at w is unreachable by the consumer until the write index
	// advances, so the producer may fill it without synchronization.
	fillChunk(&q.slots[w&q.mask], samples, q.frameCounter.Add(1)-1, q.cfg.VoiceFloor)
	q.write.Store(w + 1)
	q.occupancy.Add(1)
	q.totalChunks.Add(1)

	notify(q.dataCh)
	return nil
}

func (q *lockFreeQueue) Dequeue() (Chunk, error) {
	r := q.read.Load()
	w := q.write.Load()
	if r == w {
		q.underruns.Add(1)
		return Chunk{}, status.New(status.BufferEmpty, "chunk queue empty")
	}

	// Copy before advancing: once the read index moves, the producer may
	// reuse the slot.
	out := copyOut(&q.slots[r&q.mask])
	q.read.Store(r + 1)
	q.occupancy.Add(-1)

	notify(q.spaceCh)
	return out, nil
}

func (q *lockFreeQueue) TryEnqueue(samples []float32) bool {
	return q.Enqueue(samples) == nil
}

func (q *lockFreeQueue) TryDequeue() (Chunk, bool) {
	c, err := q.Dequeue()
	return c, err == nil
}

func (q *lockFreeQueue) EnqueueBatch(batches [][]float32) int {
	enqueued := 0
	for _, b := range batches {
		if !q.TryEnqueue(b) {
			break
		}
		enqueued++
	}
	return enqueued
}

func (q *lockFreeQueue) DequeueBatch(max int) []Chunk {
	chunks := make([]Chunk, 0, min(max, q.Available()))
	for len(chunks) < max {
		c, ok := q.TryDequeue()
		if !ok {
			break
		}
		chunks = append(chunks, c)
	}
	return chunks
}

func (q *lockFreeQueue) WaitForSpace(timeout time.Duration) bool {
	return await(q.spaceCh, timeout, func() bool { return q.Space() > 0 })
}

func (q *lockFreeQueue) WaitForData(timeout time.Duration) bool {
	return await(q.dataCh, timeout, func() bool { return q.Available() > 0 })
}

func (q *lockFreeQueue) Available() int {
	return int(q.write.Load() - q.read.Load())
}

func (q *lockFreeQueue) Space() int {
	return q.cfg.Capacity - q.Available()
}

func (q *lockFreeQueue) Capacity() int { return q.cfg.Capacity }

func (q *lockFreeQueue) Stats() Stats {
	return Stats{
		TotalChunks: q.totalChunks.Load(),
		Overruns:    q.overruns.Load(),
		Underruns:   q.underruns.Load(),
	}
}
