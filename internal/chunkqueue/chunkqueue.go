// Package chunkqueue provides a bounded queue of fixed-capacity audio chunks
// decoupling the capture thread from the analysis thread.
//
// Two interchangeable strategies implement the same contract: a
// mutex-protected ring for simple single-reader/single-writer use, and a
// lock-free ring with atomically updated indices for concurrent access
// without blocking. Both are selected at construction via Config.Strategy,
// so tests run the contract against each.
package chunkqueue

import (
	"math"
	"math/bits"
	"time"

	"github.com/callscore/platform/internal/status"
)

// Chunk is one queue slot's worth of captured audio.
type Chunk struct {
	// Samples holds the valid samples; length is the valid count, capacity
	// is the queue's per-chunk capacity.
	Samples []float32

	// FrameIndex increases monotonically across enqueues.
	FrameIndex uint64

	// Timestamp is when the chunk was enqueued.
	Timestamp time.Time

	// Energy is the RMS level of the samples.
	Energy float32

	// ContainsVoice is a cheap per-chunk heuristic (RMS above a fixed
	// floor), independent of the stateful activity gate.
	ContainsVoice bool
}

// Stats are cumulative queue counters.
type Stats struct {
	// TotalChunks is the number of successfully enqueued chunks.
	TotalChunks uint64

	// Overruns counts enqueue attempts rejected because the queue was full.
	Overruns uint64

	// Underruns counts dequeue attempts on an empty queue.
	Underruns uint64
}

// Queue is the contract shared by both strategies.
//
// Enqueue and Dequeue never block; WaitForSpace and WaitForData provide
// cooperative backpressure with a timeout. Under single-producer /
// single-consumer discipline no chunk is read twice or lost.
type Queue interface {
	// Enqueue copies samples into the next slot. Fails with InvalidSize if
	// the sample count exceeds the per-chunk capacity, or BufferFull
	// (incrementing the overrun counter) if the queue is at capacity.
	Enqueue(samples []float32) error

	// Dequeue copies out the oldest chunk. Fails with BufferEmpty
	// (incrementing the underrun counter) if nothing is available.
	Dequeue() (Chunk, error)

	// TryEnqueue is the boolean variant of Enqueue for polling callers.
	TryEnqueue(samples []float32) bool

	// TryDequeue is the optional variant of Dequeue for polling callers.
	TryDequeue() (Chunk, bool)

	// EnqueueBatch enqueues until the first failure and reports how many
	// batches were accepted.
	EnqueueBatch(batches [][]float32) int

	// DequeueBatch dequeues up to max chunks.
	DequeueBatch(max int) []Chunk

	// WaitForSpace blocks until at least one slot is free or the timeout
	// elapses, reporting whether space is available.
	WaitForSpace(timeout time.Duration) bool

	// WaitForData blocks until at least one chunk is available or the
	// timeout elapses, reporting whether data is available.
	WaitForData(timeout time.Duration) bool

	// Available reports the number of chunks ready to dequeue.
	Available() int

	// Space reports the number of free slots.
	Space() int

	// Capacity reports the configured slot count.
	Capacity() int

	// Stats returns a snapshot of the cumulative counters.
	Stats() Stats
}

// Strategy selects the internal queue implementation.
type Strategy string

const (
	// StrategyMutex is the lock-protected ring.
	StrategyMutex Strategy = "mutex"

	// StrategyLockFree is the atomic-index ring.
	StrategyLockFree Strategy = "lockfree"
)

// Config for queue construction.
type Config struct {
	// Capacity is the slot count; must be a power of two so index
	// wraparound reduces to a bitmask.
	Capacity int

	// ChunkCapacity is the maximum sample count per chunk.
	ChunkCapacity int

	// Strategy picks the implementation; defaults to StrategyMutex.
	Strategy Strategy

	// VoiceFloor is the RMS level above which a chunk is flagged as
	// containing voice. Defaults to 0.01.
	VoiceFloor float32
}

// New constructs a queue for the configured strategy.
func New(cfg Config) (Queue, error) {
	if cfg.Capacity <= 0 || bits.OnesCount(uint(cfg.Capacity)) != 1 {
		return nil, status.Newf(status.InvalidParams, "queue capacity %d must be a power of two", cfg.Capacity)
	}
	if cfg.ChunkCapacity <= 0 {
		return nil, status.Newf(status.InvalidParams, "chunk capacity %d must be positive", cfg.ChunkCapacity)
	}
	if cfg.VoiceFloor <= 0 {
		cfg.VoiceFloor = 0.01
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyMutex
	}

	switch cfg.Strategy {
	case StrategyMutex:
		return newMutexQueue(cfg), nil
	case StrategyLockFree:
		return newLockFreeQueue(cfg), nil
	default:
		return nil, status.Newf(status.InvalidParams, "unknown queue strategy %q", cfg.Strategy)
	}
}

// fillChunk copies samples into a preallocated slot and derives its energy
// and voice flag. The slot's backing array is reused across wraps.
func fillChunk(slot *Chunk, samples []float32, frameIndex uint64, voiceFloor float32) {
	slot.Samples = slot.Samples[:len(samples)]
	copy(slot.Samples, samples)
	slot.FrameIndex = frameIndex
	slot.Timestamp = time.Now()
	slot.Energy = rms(samples)
	slot.ContainsVoice = slot.Energy > voiceFloor
}

// copyOut duplicates a slot so the caller owns the returned chunk even
// after the slot is overwritten.
func copyOut(slot *Chunk) Chunk {
	out := *slot
	out.Samples = append([]float32(nil), slot.Samples...)
	return out
}

func rms(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float32
	for _, s := range samples {
		sum += s * s
	}
	return float32(math.Sqrt(float64(sum / float32(len(samples)))))
}

// notify wakes one waiter without blocking the caller.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// await blocks on wake signals until ready reports true or the timeout
// elapses, returning the final readiness.
func await(ch chan struct{}, timeout time.Duration, ready func() bool) bool {
	if ready() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ch:
			if ready() {
				return true
			}
		case <-timer.C:
			return ready()
		}
	}
}
