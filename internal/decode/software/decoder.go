package software

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/breeze-rmm/viewer/internal/decode"
	"github.com/breeze-rmm/viewer/internal/logging"
	"github.com/breeze-rmm/viewer/internal/workerpool"
)

var errNotStarted = errors.New("software: decoder not started")

type decoderState int

const (
	decoderCreated decoderState = iota
	decoderConfigured
	decoderStarted
	decoderStopped
	decoderClosed
)

type decodedOutput struct {
	out decode.PendingOutputBuffer
	pic *image.YCbCr
}

// Decoder implements decode.NativeDecoder on top of a picture decoder. Every
// submitted buffer is decoded on a single-worker pool, which is also where
// all callbacks run.
type Decoder struct {
	backend   *Backend
	codec     pictureDecoder
	pool      *workerpool.Pool
	closeOnce sync.Once

	mu         sync.Mutex
	state      decoderState
	format     decode.MediaFormat
	reader     *ImageReader
	cb         decode.DecoderCallbacks
	buffers    [][]byte
	owned      map[decode.BufferID]bool
	outputs    map[decode.BufferID]decodedOutput
	nextOutput decode.BufferID
	// epoch advances on Flush; work submitted before it is discarded.
	epoch uint64

	// Touched only on the worker.
	au      []byte
	auPTS   int64
	inFrame bool
}

func newDecoder(b *Backend, codec pictureDecoder, inputs, size int) *Decoder {
	buffers := make([][]byte, inputs)
	for i := range buffers {
		buffers[i] = make([]byte, size)
	}
	return &Decoder{
		backend: b,
		codec:   codec,
		pool:    workerpool.New("openh264-decoder", 1, 1024),
		buffers: buffers,
		owned:   make(map[decode.BufferID]bool),
		outputs: make(map[decode.BufferID]decodedOutput),
	}
}

func (d *Decoder) Configure(format decode.MediaFormat, surface decode.SurfaceHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != decoderCreated {
		return fmt.Errorf("software: configure in state %d", d.state)
	}
	r := d.backend.reader(surface)
	if r == nil {
		return fmt.Errorf("software: unknown surface %d", surface)
	}
	d.format = format
	d.reader = r
	d.state = decoderConfigured
	return nil
}

func (d *Decoder) SetCallbacks(cb decode.DecoderCallbacks) error {
	if cb.OnInputAvailable == nil || cb.OnOutputAvailable == nil {
		return errors.New("software: input and output callbacks are required")
	}
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()
	return nil
}

func (d *Decoder) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != decoderConfigured {
		return fmt.Errorf("software: start in state %d", d.state)
	}
	if d.cb.OnInputAvailable == nil {
		return errors.New("software: callbacks not set")
	}
	d.state = decoderStarted

	cb := d.cb
	format := d.format
	if cb.OnFormatChanged != nil {
		d.post(func() { cb.OnFormatChanged(format) })
	}
	for i := range d.buffers {
		id := decode.BufferID(i)
		d.owned[id] = true
		d.post(func() { cb.OnInputAvailable(id) })
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
		return nil, fmt.Errorf("software: input buffer %d not available", id)
	}
	return d.buffers[id], nil
}

// QueueInputBuffer copies the submitted range and hands it to the worker.
// The buffer is announced again once the worker has consumed it.
func (d *Decoder) QueueInputBuffer(id decode.BufferID, offset, size int, ptsUs int64, flags decode.BufferFlags) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != decoderStarted {
		return errNotStarted
	}
	if !d.owned[id] {
		return fmt.Errorf("software: input buffer %d queued twice", id)
	}
	buf := d.buffers[id]
	if offset < 0 || size < 0 || offset+size > len(buf) {
		return fmt.Errorf("software: range %d+%d outside buffer of %d bytes", offset, size, len(buf))
	}
	data := append([]byte(nil), buf[offset:offset+size]...)
	epoch := d.epoch
	if !d.pool.Submit(func() { d.consume(id, data, ptsUs, flags, epoch) }) {
		return fmt.Errorf("software: decode queue full, input buffer %d rejected", id)
	}
	delete(d.owned, id)
	return nil
}

// consume runs on the worker.
func (d *Decoder) consume(id decode.BufferID, data []byte, ptsUs int64, flags decode.BufferFlags, epoch uint64) {
	if len(data) > 0 && d.current(epoch) {
		d.decode(data, ptsUs, flags, epoch)
	}

	d.mu.Lock()
	if d.state != decoderStarted {
		d.mu.Unlock()
		return
	}
	d.owned[id] = true
	cb := d.cb.OnInputAvailable
	d.mu.Unlock()
	cb(id)
}

// decode feeds config buffers to the codec directly and collects slice
// buffers into an access unit until one arrives without FlagPartialFrame.
func (d *Decoder) decode(data []byte, ptsUs int64, flags decode.BufferFlags, epoch uint64) {
	if flags.IsConfig() {
		if _, err := d.codec.decode(data); err != nil {
			d.fail(err)
			return
		}
		d.emit(decode.PendingOutputBuffer{Size: len(data), PresentationTimeUs: ptsUs, Flags: decode.FlagCodecConfig}, nil, epoch)
		return
	}

	if !d.inFrame {
		d.inFrame = true
		d.au = d.au[:0]
		d.auPTS = ptsUs
	}
	d.au = append(d.au, data...)
	if flags.Has(decode.FlagPartialFrame) {
		return
	}
	d.inFrame = false

	pic, err := d.codec.decode(d.au)
	if err != nil {
		d.fail(err)
		return
	}
	if pic == nil {
		return
	}
	d.emit(decode.PendingOutputBuffer{Size: len(d.au), PresentationTimeUs: d.auPTS}, pic, epoch)
}

func (d *Decoder) emit(out decode.PendingOutputBuffer, pic *image.YCbCr, epoch uint64) {
	d.mu.Lock()
	if d.state != decoderStarted || d.epoch != epoch {
		d.mu.Unlock()
		return
	}
	var formatChanged func(decode.MediaFormat)
	var format decode.MediaFormat
	if pic != nil {
		size := pic.Rect.Size()
		if size.X != d.format.Width || size.Y != d.format.Height {
			d.format.Width, d.format.Height = size.X, size.Y
			formatChanged, format = d.cb.OnFormatChanged, d.format
		}
	}
	out.ID = d.nextOutput
	d.nextOutput++
	d.outputs[out.ID] = decodedOutput{out: out, pic: pic}
	cb := d.cb.OnOutputAvailable
	d.mu.Unlock()

	if formatChanged != nil {
		formatChanged(format)
	}
	cb(out)
}

func (d *Decoder) fail(err error) {
	d.mu.Lock()
	cb := d.cb.OnError
	d.mu.Unlock()
	log.Debug("access unit rejected", logging.KeyError, err)
	if cb != nil {
		cb(err)
	}
}

func (d *Decoder) current(epoch uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.epoch == epoch
}

// ReleaseOutputBuffer hands a decoded picture to the reader when render is
// set and drops it otherwise.
func (d *Decoder) ReleaseOutputBuffer(id decode.BufferID, render bool) error {
	d.mu.Lock()
	o, ok := d.outputs[id]
	if ok {
		delete(d.outputs, id)
	}
	reader := d.reader
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("software: output buffer %d not outstanding", id)
	}
	if render && o.pic != nil && reader != nil {
		reader.produce(o.pic, o.out.PresentationTimeUs*1000)
	}
	return nil
}

// Flush discards outstanding outputs, queued input and any partial access
// unit.
func (d *Decoder) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != decoderStarted {
		return errNotStarted
	}
	d.epoch++
	d.outputs = make(map[decode.BufferID]decodedOutput)
	d.post(func() { d.inFrame = false })
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

	d.drain()
	return nil
}

// Close stops the worker and releases the codec.
func (d *Decoder) Close() error {
	d.mu.Lock()
	if d.state == decoderClosed {
		d.mu.Unlock()
		return nil
	}
	d.state = decoderClosed
	d.owned = make(map[decode.BufferID]bool)
	d.outputs = make(map[decode.BufferID]decodedOutput)
	d.mu.Unlock()

	if !d.drain() {
		// The worker may still be inside the codec.
		log.Warn("codec left open, decode still running")
		return nil
	}
	d.closeOnce.Do(d.codec.close)
	return nil
}

func (d *Decoder) drain() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.pool.Shutdown(ctx); err != nil {
		log.Warn("decode work still pending at close", logging.KeyError, err)
		return false
	}
	return true
}

func (d *Decoder) post(fn func()) {
	if !d.pool.Submit(fn) {
		log.Debug("decoder callback dropped")
	}
}
