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

var (
	errReaderClosed = errors.New("software: reader closed")
	errNoImage      = errors.New("software: no image available")
)

// ImageReader implements decode.ImageReader over decoded YUV pictures.
// Pictures rendered while MaxImages are acquired are dropped.
type ImageReader struct {
	backend *Backend
	surface decode.SurfaceHandle
	desc    decode.SurfaceDescription
	pool    *workerpool.Pool

	mu       sync.Mutex
	listener func()
	latest   *Image
	acquired int
	dropped  int
	closed   bool
}

func newImageReader(b *Backend, surface decode.SurfaceHandle, desc decode.SurfaceDescription) *ImageReader {
	return &ImageReader{
		backend: b,
		surface: surface,
		desc:    desc,
		pool:    workerpool.New("openh264-reader", 1, 256),
	}
}

func (r *ImageReader) Surface() (decode.SurfaceHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, errReaderClosed
	}
	return r.surface, nil
}

func (r *ImageReader) SetImageAvailableListener(fn func()) error {
	r.mu.Lock()
	r.listener = fn
	r.mu.Unlock()
	return nil
}

func (r *ImageReader) MaxImages() int { return r.desc.MaxImages }

func (r *ImageReader) AcquireLatestImage() (decode.NativeImage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errReaderClosed
	}
	if r.latest == nil {
		return nil, errNoImage
	}
	if r.acquired >= r.desc.MaxImages {
		return nil, fmt.Errorf("software: %d images already acquired", r.acquired)
	}
	img := r.latest
	r.latest = nil
	r.acquired++
	return img, nil
}

// produce publishes a decoded picture, replacing one nobody acquired.
func (r *ImageReader) produce(pic *image.YCbCr, timestampNs int64) {
	mem := r.backend.memory
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.acquired >= r.desc.MaxImages {
		r.dropped++
		r.mu.Unlock()
		return
	}
	img := &Image{reader: r, buf: mem.allocBuffer(pic), timestampNs: timestampNs}
	stale := r.latest
	r.latest = img
	listener := r.listener
	r.mu.Unlock()

	if stale != nil {
		mem.freeBuffer(stale.buf)
	}
	if listener != nil && !r.pool.Submit(listener) {
		log.Debug("image listener dropped")
	}
}

func (r *ImageReader) release(img *Image) {
	r.mu.Lock()
	r.acquired--
	r.mu.Unlock()
	r.backend.memory.freeBuffer(img.buf)
}

// Dropped returns how many pictures arrived while the reader was full.
func (r *ImageReader) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *ImageReader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	stale := r.latest
	r.latest = nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.pool.Shutdown(ctx); err != nil {
		log.Warn("listener callbacks still pending at close", logging.KeyError, err)
	}
	if stale != nil {
		r.backend.memory.freeBuffer(stale.buf)
	}
	r.backend.removeReader(r.surface)
	return nil
}

// Image implements decode.NativeImage. Decoding finished before the image
// was published, so it carries no acquire fence.
type Image struct {
	reader      *ImageReader
	buf         decode.HardwareBuffer
	timestampNs int64
	closeOnce   sync.Once
}

func (i *Image) HardwareBuffer() (decode.HardwareBuffer, error) { return i.buf, nil }

func (i *Image) TimestampNs() int64 { return i.timestampNs }

func (i *Image) AcquireFence() decode.Fence { return nil }

func (i *Image) Close() {
	i.closeOnce.Do(func() { i.reader.release(i) })
}
