package decode

import (
	"sync"
	"sync/atomic"
)

// eventQueues collects everything produced outside the processing loop:
// decoder callbacks, image notifications and payload chunks from Decode.
// Producers only append under mu and poke wake; the loop takes everything
// in one batch.
type eventQueues struct {
	mu      sync.Mutex
	inputs  []PendingInputBuffer
	outputs []PendingOutputBuffer
	images  int
	raw     []rawChunk

	// pendingBytes counts chunk bytes accepted by Decode that have not been
	// copied into a decoder buffer yet.
	pendingBytes    atomic.Int64
	maxPendingBytes int64

	wake chan struct{}
}

// queueBatch is the loop's view of the queues for one wake.
type queueBatch struct {
	inputs  []PendingInputBuffer
	outputs []PendingOutputBuffer
	images  int
	raw     []rawChunk
}

func newEventQueues(maxPendingBytes int) *eventQueues {
	return &eventQueues{
		maxPendingBytes: int64(maxPendingBytes),
		wake:            make(chan struct{}, 1),
	}
}

func (q *eventQueues) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueues) pushInput(id BufferID) {
	q.mu.Lock()
	q.inputs = append(q.inputs, PendingInputBuffer{ID: id})
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueues) pushOutput(out PendingOutputBuffer) {
	q.mu.Lock()
	q.outputs = append(q.outputs, out)
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueues) pushImage() {
	q.mu.Lock()
	q.images++
	q.mu.Unlock()
	q.signal()
}

// pushRaw queues a chunk unless the pending byte limit would be exceeded.
// A chunk is always accepted when nothing is pending so oversized chunks
// still make progress.
func (q *eventQueues) pushRaw(c rawChunk) error {
	n := int64(len(c.data))
	if q.maxPendingBytes > 0 {
		pending := q.pendingBytes.Load()
		if pending > 0 && pending+n > q.maxPendingBytes {
			return ErrQueueFull
		}
	}
	q.pendingBytes.Add(n)

	q.mu.Lock()
	q.raw = append(q.raw, c)
	q.mu.Unlock()
	q.signal()
	return nil
}

// consumed reports n chunk bytes copied into decoder buffers.
func (q *eventQueues) consumed(n int) {
	q.pendingBytes.Add(-int64(n))
}

// take removes and returns everything queued so far.
func (q *eventQueues) take() queueBatch {
	q.mu.Lock()
	b := queueBatch{
		inputs:  q.inputs,
		outputs: q.outputs,
		images:  q.images,
		raw:     q.raw,
	}
	q.inputs = nil
	q.outputs = nil
	q.images = 0
	q.raw = nil
	q.mu.Unlock()
	return b
}
