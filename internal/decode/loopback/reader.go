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

var errNoImage = errors.New("loopback: no image available")

// ImageReader implements decode.ImageReader. At most MaxImages images may be
// acquired at once; frames rendered beyond that are dropped, as a platform
// image queue would.
type ImageReader struct {
	backend *Backend
	surface decode.SurfaceHandle
	desc    decode.SurfaceDescription
	pool    *workerpool.Pool

	mu          sync.Mutex
	listener    func()
	latest      *Image
	acquired    int
	produced    int
	dropped     int
	failAcquire int
	fenceFn     func() decode.Fence
	closed      bool
}

func newImageReader(b *Backend, surface decode.SurfaceHandle, desc decode.SurfaceDescription) *ImageReader {
	return &ImageReader{
		backend: b,
		surface: surface,
		desc:    desc,
		pool:    workerpool.New("loopback-reader", 1, 256),
	}
}

func (r *ImageReader) Surface() (decode.SurfaceHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, errors.New("loopback: reader closed")
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
		return nil, errors.New("loopback: reader closed")
	}
	if r.failAcquire > 0 {
		r.failAcquire--
		return nil, fmt.Errorf("loopback: acquire failed")
	}
	if r.latest == nil {
		return nil, errNoImage
	}
	if r.acquired >= r.desc.MaxImages {
		return nil, fmt.Errorf("loopback: %d images already acquired", r.acquired)
	}
	img := r.latest
	r.latest = nil
	r.acquired++
	return img, nil
}

// produce renders a new image. An image that was never acquired is replaced.
func (r *ImageReader) produce(timestampNs int64) {
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
	buf := r.backend.device.allocBuffer(uint32(r.desc.Width), uint32(r.desc.Height))
	img := &Image{reader: r, buf: buf, timestampNs: timestampNs}
	if r.fenceFn != nil {
		img.fence = r.fenceFn()
	}
	stale := r.latest
	r.latest = img
	r.produced++
	listener := r.listener
	r.mu.Unlock()

	if stale != nil {
		r.backend.device.freeBuffer(stale.buf)
	}
	if listener != nil && !r.pool.Submit(listener) {
		log.Debug("image listener dropped")
	}
}

func (r *ImageReader) release(img *Image) {
	r.mu.Lock()
	r.acquired--
	r.mu.Unlock()
	r.backend.device.freeBuffer(img.buf)
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
		log.Warn("callbacks still pending at close", logging.KeyError, err)
	}

	if stale != nil {
		r.backend.device.freeBuffer(stale.buf)
	}
	r.backend.removeReader(r.surface)
	return nil
}

// Acquired returns the number of images acquired and not yet closed.
func (r *ImageReader) Acquired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquired
}

// Produced returns the number of images rendered into the reader.
func (r *ImageReader) Produced() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.produced
}

// FailNextAcquire makes the next n AcquireLatestImage calls fail.
func (r *ImageReader) FailNextAcquire(n int) {
	r.mu.Lock()
	r.failAcquire = n
	r.mu.Unlock()
}

// SetAcquireFences makes every new image carry the fence returned by fn.
func (r *ImageReader) SetAcquireFences(fn func() decode.Fence) {
	r.mu.Lock()
	r.fenceFn = fn
	r.mu.Unlock()
}

// Image implements decode.NativeImage.
type Image struct {
	reader      *ImageReader
	buf         decode.HardwareBuffer
	timestampNs int64
	fence       decode.Fence
	closeOnce   sync.Once
}

func (i *Image) HardwareBuffer() (decode.HardwareBuffer, error) { return i.buf, nil }

func (i *Image) TimestampNs() int64 { return i.timestampNs }

func (i *Image) AcquireFence() decode.Fence { return i.fence }

func (i *Image) Close() {
	i.closeOnce.Do(func() { i.reader.release(i) })
}
