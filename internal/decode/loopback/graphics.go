package loopback

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/viewer/internal/decode"
)

// Fence is a manually signaled decode.Fence.
type Fence struct {
	signaled atomic.Bool
}

func (f *Fence) Signal() { f.signaled.Store(true) }

func (f *Fence) Signaled() bool { return f.signaled.Load() }

// Texture is an application output texture.
type Texture struct {
	ID uint64
}

func (t *Texture) TextureID() uint64 { return t.ID }

// Conversion records one ConvertInto call.
type Conversion struct {
	Seq         uint64
	Slot        int
	Image       decode.ImageHandle
	Texture     uint64
	TimestampNs int64
}

// Graphics implements decode.GraphicsContext. It refuses to read an image
// that is not bound to live memory, which is how a premature release shows
// up in tests.
type Graphics struct {
	dev      *Device
	deferred bool

	mu          sync.Mutex
	inFlight    []*Fence
	conversions []Conversion
}

func NewGraphics(dev *Device, deferredFences bool) *Graphics {
	g := &Graphics{dev: dev, deferred: deferredFences}
	dev.onIdle(g.CompleteFrame)
	return g
}

func (g *Graphics) ConvertInto(src *decode.ImportedFrame, dst decode.Texture) (decode.Fence, error) {
	if !g.dev.bound(src.GPUImage) {
		return nil, fmt.Errorf("loopback: image %d is not bound to live memory", src.GPUImage)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.conversions = append(g.conversions, Conversion{
		Seq:         src.Seq(),
		Slot:        src.Slot(),
		Image:       src.GPUImage,
		Texture:     dst.TextureID(),
		TimestampNs: src.TimestampNs,
	})
	if !g.deferred {
		return nil, nil
	}
	f := &Fence{}
	g.inFlight = append(g.inFlight, f)
	return f, nil
}

// CompleteFrame signals every fence handed out so far, as if the GPU had
// finished the submitted work.
func (g *Graphics) CompleteFrame() {
	g.mu.Lock()
	fences := g.inFlight
	g.inFlight = nil
	g.mu.Unlock()
	for _, f := range fences {
		f.Signal()
	}
}

// Conversions returns a copy of every conversion performed.
func (g *Graphics) Conversions() []Conversion {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Conversion(nil), g.conversions...)
}
