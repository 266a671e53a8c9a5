package decode

import (
	"log/slog"
)

// accumulator packs start-code-prefixed chunks into decoder input buffers.
// It is owned by the processing loop and is not safe for concurrent use.
//
// A buffer never mixes config and slice bytes. It is submitted when the next
// chunk belongs to the other class or does not fit, when it ends a frame, or
// once it is more than half full. A chunk larger than an empty buffer fills
// it completely and the rest stays queued for the next buffer.
type accumulator struct {
	dec     NativeDecoder
	queues  *eventQueues
	metrics *Metrics
	log     *slog.Logger
	nowUs   func() int64

	raw  []rawChunk
	free []PendingInputBuffer

	cur   *PendingInputBuffer
	mem   []byte
	ptsUs int64

	// stalled is set when the last submission failed; the current buffer is
	// kept and resubmitted on the next step.
	stalled bool
}

func newAccumulator(dec NativeDecoder, q *eventQueues, m *Metrics, log *slog.Logger, nowUs func() int64) *accumulator {
	return &accumulator{
		dec:     dec,
		queues:  q,
		metrics: m,
		log:     log,
		nowUs:   nowUs,
	}
}

func (a *accumulator) add(b queueBatch) {
	a.raw = append(a.raw, b.raw...)
	a.free = append(a.free, b.inputs...)
}

func (a *accumulator) step() {
	if a.stalled && !a.submit() {
		return
	}

	for len(a.raw) > 0 {
		if a.cur == nil && !a.take() {
			return
		}
		c := &a.raw[0]
		off := a.cur.WriteOffset

		if off > 0 && a.cur.Flags.IsConfig() != c.flags.IsConfig() {
			if !a.submit() {
				return
			}
			continue
		}

		if len(c.data) > len(a.mem)-off {
			if off > 0 {
				if !a.submit() {
					return
				}
				continue
			}
			a.split(c)
			if !a.submit() {
				return
			}
			continue
		}

		a.append(c.data, c.flags)
		last := c.last
		a.raw[0] = rawChunk{}
		a.raw = a.raw[1:]

		if last || a.cur.WriteOffset > len(a.mem)/2 {
			if !a.submit() {
				return
			}
		}
	}
}

// split fills the empty current buffer with the head of c and leaves the
// remainder in place. Slice pieces are marked partial since the frame
// continues in the next buffer.
func (a *accumulator) split(c *rawChunk) {
	n := len(a.mem)
	flags := c.flags
	if !flags.IsConfig() {
		flags |= FlagPartialFrame
	}
	a.append(c.data[:n], flags)
	c.data = c.data[n:]
	a.log.Debug("split oversized chunk", "buffer", a.cur.ID, "capacity", n, "remaining", len(c.data))
}

func (a *accumulator) append(data []byte, flags BufferFlags) {
	off := a.cur.WriteOffset
	if off == 0 {
		a.ptsUs = a.nowUs()
		a.cur.Flags = flags
	} else {
		a.cur.Flags = a.cur.Flags&^FlagPartialFrame | flags
	}
	copy(a.mem[off:], data)
	a.cur.WriteOffset = off + len(data)
	a.queues.consumed(len(data))
}

// take checks out the next free input buffer. Buffers whose memory cannot be
// mapped are handed back empty so the decoder can recycle them.
func (a *accumulator) take() bool {
	for len(a.free) > 0 {
		in := a.free[0]
		a.free = a.free[1:]

		mem, err := a.dec.InputBuffer(in.ID)
		if err != nil || len(mem) == 0 {
			a.log.Warn("input buffer unavailable, returning it", "buffer", in.ID, "error", err)
			if qerr := a.dec.QueueInputBuffer(in.ID, 0, 0, 0, 0); qerr != nil {
				a.log.Warn("return input buffer failed", "buffer", in.ID, "error", qerr)
			}
			continue
		}
		in.WriteOffset = 0
		in.Flags = 0
		a.cur = &in
		a.mem = mem
		return true
	}
	return false
}

func (a *accumulator) submit() bool {
	if a.cur == nil {
		a.stalled = false
		return true
	}
	size := a.cur.WriteOffset
	if err := a.dec.QueueInputBuffer(a.cur.ID, 0, size, a.ptsUs, a.cur.Flags); err != nil {
		if !a.stalled {
			a.log.Warn("queue input buffer failed, will retry", "buffer", a.cur.ID, "size", size, "error", err)
		}
		a.stalled = true
		a.metrics.inc(&a.metrics.SubmitFailures)
		return false
	}
	a.metrics.RecordSubmit(size)
	a.cur = nil
	a.mem = nil
	a.stalled = false
	return true
}
