package software

import (
	"image"
	"image/draw"
	"sync"

	"github.com/breeze-rmm/viewer/internal/decode"
)

// Renderer implements decode.GraphicsContext on the CPU. Each texture id
// owns an RGBA canvas that is resized to the incoming picture.
type Renderer struct {
	mem *HostDevice

	mu       sync.Mutex
	textures map[uint64]*image.RGBA
}

func NewRenderer(mem *HostDevice) *Renderer {
	return &Renderer{mem: mem, textures: make(map[uint64]*image.RGBA)}
}

// ConvertInto writes src into dst's canvas. The read is finished when it
// returns, so the fence is always nil.
func (r *Renderer) ConvertInto(src *decode.ImportedFrame, dst decode.Texture) (decode.Fence, error) {
	pic, err := r.mem.picture(src.GPUImage)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	id := dst.TextureID()
	canvas := r.textures[id]
	if canvas == nil || canvas.Rect.Size() != pic.Rect.Size() {
		canvas = image.NewRGBA(image.Rectangle{Max: pic.Rect.Size()})
		r.textures[id] = canvas
	}
	draw.Draw(canvas, canvas.Rect, pic, pic.Rect.Min, draw.Src)
	return nil, nil
}

// Snapshot returns a copy of the texture's pixels, or nil if nothing was
// converted into it yet.
func (r *Renderer) Snapshot(id uint64) *image.RGBA {
	r.mu.Lock()
	defer r.mu.Unlock()
	canvas := r.textures[id]
	if canvas == nil {
		return nil
	}
	out := image.NewRGBA(canvas.Rect)
	copy(out.Pix, canvas.Pix)
	return out
}
