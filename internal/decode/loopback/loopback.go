// Package loopback is an in-process decode platform. Its decoder does not
// decompress anything: it reassembles submitted buffers into frames, reports
// them through asynchronous callbacks and renders a fresh image for each
// frame released with render=true. The GPU device tracks every handle so
// leaks and use-after-free show up as errors.
package loopback

import (
	"fmt"
	"sync"

	"github.com/breeze-rmm/viewer/internal/decode"
	"github.com/breeze-rmm/viewer/internal/logging"
)

var log = logging.L("loopback")

const Name = "loopback"

func init() {
	decode.RegisterPlatform(Name, func(opts decode.PlatformOptions) (decode.Platform, error) {
		return New(Options{
			InputBuffers:   opts.InputBuffers,
			BufferSize:     opts.BufferSize,
			DeferredFences: true,
		}).Platform(), nil
	})
}

// Options size the loopback decoder.
type Options struct {
	InputBuffers int
	BufferSize   int
	// DeferredFences makes conversions return fences that only signal on
	// Graphics.CompleteFrame, like a real GPU queue.
	DeferredFences bool
}

// Backend owns the shared GPU device and graphics context and remembers the
// decoders and readers it created.
type Backend struct {
	opts     Options
	device   *Device
	graphics *Graphics

	mu          sync.Mutex
	readers     map[decode.SurfaceHandle]*ImageReader
	nextSurface decode.SurfaceHandle
	decoders    []*Decoder
	lastReader  *ImageReader
}

func New(opts Options) *Backend {
	if opts.InputBuffers <= 0 {
		opts.InputBuffers = 4
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256 * 1024
	}
	dev := NewDevice()
	return &Backend{
		opts:     opts,
		device:   dev,
		graphics: NewGraphics(dev, opts.DeferredFences),
		readers:  make(map[decode.SurfaceHandle]*ImageReader),
	}
}

// Platform returns the constructors a decode.Session uses.
func (b *Backend) Platform() decode.Platform {
	return decode.Platform{
		Name: Name,
		NewImageReader: func(desc decode.SurfaceDescription) (decode.ImageReader, error) {
			return b.newImageReader(desc)
		},
		NewDecoder: func(format decode.MediaFormat) (decode.NativeDecoder, error) {
			return b.newDecoder(format)
		},
		NewImporter: func() (decode.ExternalImageImporter, error) {
			return decode.NewDeviceImporter(b.device), nil
		},
		Graphics: b.graphics,
	}
}

func (b *Backend) Device() *Device { return b.device }

func (b *Backend) Graphics() *Graphics { return b.graphics }

// LastDecoder returns the most recently created decoder, or nil.
func (b *Backend) LastDecoder() *Decoder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.decoders) == 0 {
		return nil
	}
	return b.decoders[len(b.decoders)-1]
}

// LastReader returns the most recently created image reader, or nil.
func (b *Backend) LastReader() *ImageReader {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastReader
}

func (b *Backend) newImageReader(desc decode.SurfaceDescription) (*ImageReader, error) {
	if desc.MaxImages <= 0 {
		return nil, fmt.Errorf("loopback: max images must be positive, got %d", desc.MaxImages)
	}
	b.mu.Lock()
	b.nextSurface++
	surface := b.nextSurface
	r := newImageReader(b, surface, desc)
	b.readers[surface] = r
	b.lastReader = r
	b.mu.Unlock()
	return r, nil
}

func (b *Backend) newDecoder(format decode.MediaFormat) (*Decoder, error) {
	if format.MIME != decode.CodecH264.MIME() && format.MIME != decode.CodecH265.MIME() {
		return nil, fmt.Errorf("loopback: unsupported mime %q", format.MIME)
	}
	d := newDecoder(b, b.opts.InputBuffers, b.opts.BufferSize)
	b.mu.Lock()
	b.decoders = append(b.decoders, d)
	b.mu.Unlock()
	return d, nil
}

func (b *Backend) reader(surface decode.SurfaceHandle) *ImageReader {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readers[surface]
}

func (b *Backend) removeReader(surface decode.SurfaceHandle) {
	b.mu.Lock()
	delete(b.readers, surface)
	b.mu.Unlock()
}
