package chunkqueue

import (
	"sync"
	"time"

	"github.com/callscore/platform/internal/status"
)

// mutexQueue is the lock-protected ring, suitable when exactly one reader
// and one writer exist and contention is low.
type mutexQueue struct {
	cfg  Config
	mask uint64

	mu    sync.Mutex
	slots []Chunk
	read  uint64
	write uint64

	frameCounter uint64
	stats        Stats

	spaceCh chan struct{}
	dataCh  chan struct{}
}

func newMutexQueue(cfg Config) *mutexQueue {
	q := &mutexQueue{
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

func (q *mutexQueue) Enqueue(samples []float32) error {
	if len(samples) > q.cfg.ChunkCapacity {
		return status.Newf(status.InvalidSize, "chunk of %d samples exceeds capacity %d", len(samples), q.cfg.ChunkCapacity)
	}

	q.mu.Lock()
	if q.write-q.read == uint64(q.cfg.Capacity) {
		q.stats.Overruns++
		q.mu.Unlock()
		return status.New(status.BufferFull, "chunk queue full")
	}

	fillChunk(&q.slots[q.write&q.mask], samples, q.frameCounter, q.cfg.VoiceFloor)
	q.frameCounter++
	q.write++
	q.stats.TotalChunks++
	q.mu.Unlock()

	notify(q.dataCh)
	return nil
}

func (q *mutexQueue) Dequeue() (Chunk, error) {
	q.mu.Lock()
	if q.read == q.write {
		q.stats.Underruns++
		q.mu.Unlock()
		return Chunk{}, status.New(status.BufferEmpty, "chunk queue empty")
	}

	out := copyOut(&q.slots[q.read&q.mask])
	q.read++
	q.mu.Unlock()

	notify(q.spaceCh)
	return out, nil
}

func (q *mutexQueue) TryEnqueue(samples []float32) bool {
	return q.Enqueue(samples) == nil
}

func (q *mutexQueue) TryDequeue() (Chunk, bool) {
	c, err := q.Dequeue()
	return c, err == nil
}

func (q *mutexQueue) EnqueueBatch(batches [][]float32) int {
	enqueued := 0
	for _, b := range batches {
		if !q.TryEnqueue(b) {
			break
		}
		enqueued++
	}
	return enqueued
}

func (q *mutexQueue) DequeueBatch(max int) []Chunk {
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

func (q *mutexQueue) WaitForSpace(timeout time.Duration) bool {
	return await(q.spaceCh, timeout, func() bool { return q.Space() > 0 })
}

func (q *mutexQueue) WaitForData(timeout time.Duration) bool {
	return await(q.dataCh, timeout, func() bool { return q.Available() > 0 })
}

func (q *mutexQueue) Available() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.write - q.read)
}

func (q *mutexQueue) Space() int {
	return q.cfg.Capacity - q.Available()
}

func (q *mutexQueue) Capacity() int { return q.cfg.Capacity }

func (q *mutexQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
