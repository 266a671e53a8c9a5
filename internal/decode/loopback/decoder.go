package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/breeze-rmm/viewer/internal/decode"
	"github.com/breeze-rmm/viewer/internal/logging"
	"github.com/breeze-rmm/viewer/internal/workerpool"
)

var errNotStarted = errors.New("loopback: decoder not started")

// Submission is a copy of one QueueInputBuffer call.
type Submission struct {
	ID    decode.BufferID
	Data  []byte
	PTSUs int64
	Flags decode.BufferFlags
}

type decoderState int

const (
	decoderCreated decoderState = iota
	decoderConfigured
	decoderStarted
	decoderStopped
	decoderClosed
)

// Decoder implements decode.NativeDecoder. Callbacks run on a single-worker
// pool so they arrive in order and never from inside a method call.
type Decoder struct {
	backend *Backend
	pool    *workerpool.Pool

	mu          sync.Mutex
	state       decoderState
	format      decode.MediaFormat
	reader      *ImageReader
	cb          decode.DecoderCallbacks
	buffers     [][]byte
	owned       map[decode.BufferID]bool
	outputs     map[decode.BufferID]decode.PendingOutputBuffer
	nextOutput  decode.BufferID
	frameBytes  int
	framePTS    int64
	inFrame     bool
	submissions []Submission
	failQueue   int
	failInput   map[decode.BufferID]bool
	flushes     int
}

func newDecoder(b *Backend, inputs, size int) *Decoder {
	buffers := make([][]byte, inputs)
	for i := range buffers {
		buffers[i] = make([]byte, size)
	}
	return &Decoder{
		backend:   b,
		pool:      workerpool.New("loopback-decoder", 1, 1024),
		buffers:   buffers,
		owned:     make(map[decode.BufferID]bool),
		outputs:   make(map[decode.BufferID]decode.PendingOutputBuffer),
		failInput: make(map[decode.BufferID]bool),
	}
}

func (d *Decoder) Configure(format decode.MediaFormat, surface decode.SurfaceHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != decoderCreated {
		return fmt.Errorf("loopback: configure in state %d", d.state)
	}
	r := d.backend.reader(surface)
	if r == nil {
		return fmt.Errorf("loopback: unknown surface %d", surface)
	}
	d.format = format
	d.reader = r
	d.state = decoderConfigured
	return nil
}

func (d *Decoder) SetCallbacks(cb decode.DecoderCallbacks) error {
	if cb.OnInputAvailable == nil || cb.OnOutputAvailable == nil {
		return errors.New("loopback: input and output callbacks are required")
	}
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()
	return nil
}

// Start announces every input buffer and the configured output format.
func (d *Decoder) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != decoderConfigured {
		return fmt.Errorf("loopback: start in state %d", d.state)
	}
	if d.cb.OnInputAvailable == nil {
		return errors.New("loopback: callbacks not set")
	}
	d.state = decoderStarted

	cb := d.cb
	format := d.format
	if cb.OnFormatChanged != nil {
		d.post(func() { cb.OnFormatChanged(format) })
	}
	for i := range d.buffers {
		d.announceLocked(decode.BufferID(i))
	}
	return nil
}

func (d *Decoder) InputBuffer(id decode.BufferID) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != decoderStarted {
		return nil, errNotStarted
	}
	if !d.owned[id] {
		return nil, fmt.Errorf("loopback: input buffer %d not available", id)
	}
	if d.failInput[id] {
		delete(d.failInput, id)
		return nil, fmt.Errorf("loopback: input buffer %d could not be mapped", id)
	}
	return d.buffers[id], nil
}

func (d *Decoder) QueueInputBuffer(id decode.BufferID, offset, size int, ptsUs int64, flags decode.BufferFlags) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != decoderStarted {
		return errNotStarted
	}
	if !d.owned[id] {
		return fmt.Errorf("loopback: input buffer %d queued twice", id)
	}
	if d.failQueue > 0 {
		d.failQueue--
		return fmt.Errorf("loopback: queue input buffer %d rejected", id)
	}
	buf := d.buffers[id]
	if offset < 0 || size < 0 || offset+size > len(buf) {
		return fmt.Errorf("loopback: range %d+%d outside buffer of %d bytes", offset, size, len(buf))
	}
	delete(d.owned, id)

	d.submissions = append(d.submissions, Submission{
		ID:    id,
		Data:  append([]byte(nil), buf[offset:offset+size]...),
		PTSUs: ptsUs,
		Flags: flags,
	})

	if size > 0 {
		d.decodeLocked(size, ptsUs, flags)
	}
	d.announceLocked(id)
	return nil
}

// decodeLocked turns a submitted buffer into output: config buffers produce
// a config output, slice buffers produce one output per completed frame.
func (d *Decoder) decodeLocked(size int, ptsUs int64, flags decode.BufferFlags) {
	if flags.IsConfig() {
		d.emitLocked(decode.PendingOutputBuffer{Size: size, PresentationTimeUs: ptsUs, Flags: decode.FlagCodecConfig})
		return
	}
	if !d.inFrame {
		d.inFrame = true
		d.framePTS = ptsUs
		d.frameBytes = 0
	}
	d.frameBytes += size
	if flags.Has(decode.FlagPartialFrame) {
		return
	}
	d.inFrame = false
	d.emitLocked(decode.PendingOutputBuffer{Size: d.frameBytes, PresentationTimeUs: d.framePTS})
}

func (d *Decoder) emitLocked(out decode.PendingOutputBuffer) {
	out.ID = d.nextOutput
	d.nextOutput++
	d.outputs[out.ID] = out
	cb := d.cb.OnOutputAvailable
	d.post(func() { cb(out) })
}

func (d *Decoder) announceLocked(id decode.BufferID) {
	d.owned[id] = true
	cb := d.cb.OnInputAvailable
	d.post(func() { cb(id) })
}

func (d *Decoder) ReleaseOutputBuffer(id decode.BufferID, render bool) error {
	d.mu.Lock()
	out, ok := d.outputs[id]
	if ok {
		delete(d.outputs, id)
	}
	reader := d.reader
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("loopback: output buffer %d not outstanding", id)
	}
	if render && reader != nil {
		reader.produce(out.PresentationTimeUs * 1000)
	}
	return nil
}

func (d *Decoder) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != decoderStarted {
		return errNotStarted
	}
	d.outputs = make(map[decode.BufferID]decode.PendingOutputBuffer)
	d.inFrame = false
	d.frameBytes = 0
	d.flushes++
	return nil
}

func (d *Decoder) Stop() error {
	d.mu.Lock()
	if d.state != decoderStarted {
		d.mu.Unlock()
		return errNotStarted
	}
	d.state = decoderStopped
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.pool.Shutdown(ctx); err != nil {
		log.Warn("callbacks still pending at close", logging.KeyError, err)
	}
	return nil
}

func (d *Decoder) Close() error {
	d.mu.Lock()
	if d.state == decoderClosed {
		d.mu.Unlock()
		return nil
	}
	d.state = decoderClosed
	d.owned = make(map[decode.BufferID]bool)
	d.outputs = make(map[decode.BufferID]decode.PendingOutputBuffer)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.pool.Shutdown(ctx); err != nil {
		log.Warn("callbacks still pending at close", logging.KeyError, err)
	}
	return nil
}

func (d *Decoder) post(fn func()) {
	if !d.pool.Submit(fn) {
		log.Debug("decoder callback dropped")
	}
}

// Submissions returns a copy of every buffer queued so far.
func (d *Decoder) Submissions() []Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Submission(nil), d.submissions...)
}

// FailNextQueue makes the next n QueueInputBuffer calls fail.
func (d *Decoder) FailNextQueue(n int) {
	d.mu.Lock()
	d.failQueue = n
	d.mu.Unlock()
}

// FailInputBuffer makes the next InputBuffer call for id fail.
func (d *Decoder) FailInputBuffer(id decode.BufferID) {
	d.mu.Lock()
	d.failInput[id] = true
	d.mu.Unlock()
}

// InjectError reports err through the OnError callback.
func (d *Decoder) InjectError(err error) {
	d.mu.Lock()
	cb := d.cb.OnError
	d.mu.Unlock()
	if cb != nil {
		d.post(func() { cb(err) })
	}
}

// Flushes returns how many times Flush was called.
func (d *Decoder) Flushes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushes
}

// Closed reports whether Close was called.
func (d *Decoder) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == decoderClosed
}
