// Package software is a decode platform built on the OpenH264 shared
// library. Pictures are decoded on the CPU, kept in host memory that the
// importer maps as a unified memory device, and converted to RGBA on the
// render thread.
package software

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/y9o/go-openh264"

	"github.com/breeze-rmm/viewer/internal/decode"
	"github.com/breeze-rmm/viewer/internal/logging"
)

var log = logging.L("openh264")

const Name = "openh264"

func init() {
	decode.RegisterPlatform(Name, func(opts decode.PlatformOptions) (decode.Platform, error) {
		if err := Load(opts.Library); err != nil {
			return decode.Platform{}, err
		}
		return New(Options{
			InputBuffers: opts.InputBuffers,
			BufferSize:   opts.BufferSize,
		}).Platform(), nil
	})
}

// DefaultLibrary is the OpenH264 release binary name for this OS.
func DefaultLibrary() string {
	switch runtime.GOOS {
	case "windows":
		return "openh264-2.4.1-win64.dll"
	case "darwin":
		return "libopenh264.7.dylib"
	default:
		return "libopenh264.so.7"
	}
}

var (
	libMu     sync.Mutex
	libLoaded string
)

// Load opens the OpenH264 library once per process. An empty path uses
// DefaultLibrary.
func Load(path string) error {
	libMu.Lock()
	defer libMu.Unlock()
	if libLoaded != "" {
		return nil
	}
	if path == "" {
		path = DefaultLibrary()
	}
	if err := openh264.Open(path); err != nil {
		return fmt.Errorf("software: load %s: %w", path, err)
	}
	libLoaded = path

	v := openh264.WelsGetCodecVersion()
	log.Info("openh264 loaded", "library", path, "version", fmt.Sprintf("%d.%d.%d", v.UMajor, v.UMinor, v.URevision))
	return nil
}

// Options size the software decoder.
type Options struct {
	InputBuffers int
	BufferSize   int

	// newCodec replaces the OpenH264 decoder.
	newCodec func() (pictureDecoder, error)
}

// Backend owns the host memory device and renderer shared by every
// decoder and reader it creates.
type Backend struct {
	opts     Options
	memory   *HostDevice
	renderer *Renderer

	mu          sync.Mutex
	readers     map[decode.SurfaceHandle]*ImageReader
	nextSurface decode.SurfaceHandle
}

func New(opts Options) *Backend {
	if opts.InputBuffers <= 0 {
		opts.InputBuffers = 4
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024 * 1024
	}
	if opts.newCodec == nil {
		opts.newCodec = newOpenH264
	}
	mem := NewHostDevice()
	return &Backend{
		opts:     opts,
		memory:   mem,
		renderer: NewRenderer(mem),
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
			return decode.NewDeviceImporter(b.memory), nil
		},
		Graphics: b.renderer,
	}
}

func (b *Backend) Memory() *HostDevice { return b.memory }

func (b *Backend) Renderer() *Renderer { return b.renderer }

func (b *Backend) newDecoder(format decode.MediaFormat) (*Decoder, error) {
	if format.MIME != decode.CodecH264.MIME() {
		return nil, fmt.Errorf("software: openh264 decodes %s only, got %q", decode.CodecH264.MIME(), format.MIME)
	}
	codec, err := b.opts.newCodec()
	if err != nil {
		return nil, err
	}
	return newDecoder(b, codec, b.opts.InputBuffers, b.opts.BufferSize), nil
}

func (b *Backend) newImageReader(desc decode.SurfaceDescription) (*ImageReader, error) {
	if desc.MaxImages <= 0 {
		return nil, fmt.Errorf("software: max images must be positive, got %d", desc.MaxImages)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSurface++
	r := newImageReader(b, b.nextSurface, desc)
	b.readers[r.surface] = r
	return r, nil
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
