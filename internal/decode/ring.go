package decode

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// fenceWaitTimeout bounds how long shutdown waits for the GPU to finish
	// reading a frame.
	fenceWaitTimeout  = time.Second
	fencePollInterval = time.Millisecond
)

// releaseRing holds imported frames until the render thread can no longer be
// reading them. mu is the render lock: the render bridge holds it for a whole
// frame, the import step only to reserve and publish a slot.
//
// A slot is scheduled for release once delay newer frames exist and is
// actually freed on the render thread when it is neither bound nor the
// latest published frame and its last-use fence has signaled.
type releaseRing struct {
	mu       sync.Mutex
	importer ExternalImageImporter
	metrics  *Metrics
	log      *slog.Logger

	slots       []*ImportedFrame
	head        int
	produced    uint64
	delay       int
	pendingFree []int

	latest      int
	bound       int
	consumedSeq uint64
	closed      bool
}

// ringDelay clamps the release delay so a ring of size n always has room for
// the bound frame, the latest frame and one free slot.
func ringDelay(n, delay int) int {
	if delay > n-2 {
		delay = n - 2
	}
	if delay < 1 {
		delay = 1
	}
	return delay
}

func newReleaseRing(size, delay int, importer ExternalImageImporter, m *Metrics, log *slog.Logger) *releaseRing {
	if size < 3 {
		size = 3
	}
	return &releaseRing{
		importer: importer,
		metrics:  m,
		log:      log,
		slots:    make([]*ImportedFrame, size),
		head:     -1,
		delay:    ringDelay(size, delay),
		latest:   -1,
		bound:    -1,
	}
}

// reserve returns the next slot if it is empty. A full slot means the render
// thread has not freed it yet and the new image has to be dropped.
func (r *releaseRing) reserve() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, false
	}
	next := (r.head + 1) % len(r.slots)
	return next, r.slots[next] == nil
}

// commit stores f in a reserved slot, schedules the slot delay frames behind
// it and publishes f as the latest frame.
func (r *releaseRing) commit(slot int, f *ImportedFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.produced++
	f.slot = slot
	f.seq = r.produced
	r.slots[slot] = f
	r.head = slot
	r.latest = slot

	if r.produced > uint64(r.delay) {
		old := (slot - r.delay + len(r.slots)) % len(r.slots)
		if of := r.slots[old]; of != nil && !of.scheduled {
			of.scheduled = true
			r.pendingFree = append(r.pendingFree, old)
		}
	}
}

// processFrees releases scheduled slots that are safe to free. Caller holds mu.
func (r *releaseRing) processFrees() {
	kept := r.pendingFree[:0]
	for _, idx := range r.pendingFree {
		f := r.slots[idx]
		if f == nil {
			continue
		}
		if idx == r.bound || idx == r.latest || (f.useFence != nil && !f.useFence.Signaled()) {
			kept = append(kept, idx)
			continue
		}
		r.free(idx)
	}
	r.pendingFree = kept
}

func (r *releaseRing) free(idx int) {
	f := r.slots[idx]
	r.slots[idx] = nil
	if err := r.importer.Release(f); err != nil {
		r.log.Warn("release imported frame failed", "slot", idx, "error", err)
	}
	r.metrics.inc(&r.metrics.SlotsFreed)
}

// releaseAll closes the ring and frees every slot once the GPU is done with
// it. Taking mu waits out a conversion already running on the render thread;
// WaitIdle then drains the work it submitted. A slot whose use fence has not
// signaled by the timeout is abandoned, never freed.
func (r *releaseRing) releaseAll(timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true

	var errs []error
	if err := r.importer.WaitIdle(); err != nil {
		errs = append(errs, nativeErr("wait idle", err))
	}
	deadline := time.Now().Add(timeout)
	for idx, f := range r.slots {
		if f == nil {
			continue
		}
		if !waitFence(f.useFence, deadline) {
			r.slots[idx] = nil
			r.metrics.inc(&r.metrics.SlotsAbandoned)
			r.log.Error("frame still in use by the GPU, abandoning it", "slot", idx, "seq", f.seq)
			errs = append(errs, fmt.Errorf("decode: frame %d still in use after %s", f.seq, timeout))
			continue
		}
		r.free(idx)
	}
	r.pendingFree = nil
	r.latest = -1
	r.bound = -1
	return errors.Join(errs...)
}

// waitFence polls f until it signals or deadline passes. A nil fence is
// already signaled.
func waitFence(f Fence, deadline time.Time) bool {
	for f != nil && !f.Signaled() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(fencePollInterval)
	}
	return true
}

// occupied returns the number of slots holding a frame.
func (r *releaseRing) occupied() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.slots {
		if f != nil {
			n++
		}
	}
	return n
}
