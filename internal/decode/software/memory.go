package software

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/breeze-rmm/viewer/internal/decode"
)

// HostDevice implements decode.GPUDevice for pictures decoded into host
// memory. Its single memory type is device local and host visible, so an
// import maps the picture instead of copying it.
type HostDevice struct {
	mu       sync.Mutex
	next     uint64
	buffers  map[decode.HardwareBuffer]*image.YCbCr
	images   map[decode.ImageHandle]decode.ExternalProperties
	memories map[decode.MemoryHandle]*image.YCbCr
	bindings map[decode.ImageHandle]decode.MemoryHandle
}

var hostMemoryTypes = []decode.MemoryType{{
	PropertyFlags: decode.MemoryPropertyDeviceLocal | decode.MemoryPropertyHostVisible | decode.MemoryPropertyHostCoherent,
}}

func NewHostDevice() *HostDevice {
	return &HostDevice{
		buffers:  make(map[decode.HardwareBuffer]*image.YCbCr),
		images:   make(map[decode.ImageHandle]decode.ExternalProperties),
		memories: make(map[decode.MemoryHandle]*image.YCbCr),
		bindings: make(map[decode.ImageHandle]decode.MemoryHandle),
	}
}

func (d *HostDevice) handle() uint64 {
	d.next++
	return d.next
}

func (d *HostDevice) allocBuffer(pic *image.YCbCr) decode.HardwareBuffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := decode.HardwareBuffer(d.handle())
	d.buffers[buf] = pic
	return buf
}

func (d *HostDevice) freeBuffer(buf decode.HardwareBuffer) {
	d.mu.Lock()
	delete(d.buffers, buf)
	d.mu.Unlock()
}

func (d *HostDevice) ExternalProperties(buf decode.HardwareBuffer) (decode.ExternalProperties, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pic, ok := d.buffers[buf]
	if !ok {
		return decode.ExternalProperties{}, fmt.Errorf("software: unknown hardware buffer %d", buf)
	}
	size := pic.Rect.Size()
	return decode.ExternalProperties{
		Format:         uint32(decode.PixelFormatYUV420),
		Width:          uint32(size.X),
		Height:         uint32(size.Y),
		Layers:         1,
		AllocationSize: uint64(len(pic.Y) + len(pic.Cb) + len(pic.Cr)),
		MemoryTypeBits: 0b1,
	}, nil
}

func (d *HostDevice) CreateExternalImage(props decode.ExternalProperties) (decode.ImageHandle, error) {
	if props.Width == 0 || props.Height == 0 {
		return 0, errors.New("software: zero image extent")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	img := decode.ImageHandle(d.handle())
	d.images[img] = props
	return img, nil
}

func (d *HostDevice) DestroyImage(img decode.ImageHandle) {
	d.mu.Lock()
	delete(d.images, img)
	delete(d.bindings, img)
	d.mu.Unlock()
}

func (d *HostDevice) MemoryTypes() []decode.MemoryType {
	return append([]decode.MemoryType(nil), hostMemoryTypes...)
}

// ImportMemory maps the picture behind buf. The mapping keeps the picture
// alive after the reader recycles buf.
func (d *HostDevice) ImportMemory(buf decode.HardwareBuffer, size uint64, typeIndex uint32, img decode.ImageHandle) (decode.MemoryHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pic, ok := d.buffers[buf]
	if !ok {
		return 0, fmt.Errorf("software: import of unknown hardware buffer %d", buf)
	}
	if _, ok := d.images[img]; !ok {
		return 0, fmt.Errorf("software: dedicated image %d does not exist", img)
	}
	if int(typeIndex) >= len(hostMemoryTypes) {
		return 0, fmt.Errorf("software: no memory type %d", typeIndex)
	}
	if size == 0 || size > uint64(len(pic.Y)+len(pic.Cb)+len(pic.Cr)) {
		return 0, fmt.Errorf("software: import size %d outside picture", size)
	}
	mem := decode.MemoryHandle(d.handle())
	d.memories[mem] = pic
	return mem, nil
}

func (d *HostDevice) FreeMemory(mem decode.MemoryHandle) {
	d.mu.Lock()
	delete(d.memories, mem)
	d.mu.Unlock()
}

func (d *HostDevice) BindImageMemory(img decode.ImageHandle, mem decode.MemoryHandle, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset != 0 {
		return fmt.Errorf("software: external memory must be bound at offset 0, got %d", offset)
	}
	if _, ok := d.images[img]; !ok {
		return fmt.Errorf("software: bind to unknown image %d", img)
	}
	if _, ok := d.memories[mem]; !ok {
		return fmt.Errorf("software: bind of unknown memory %d", mem)
	}
	d.bindings[img] = mem
	return nil
}

// WaitIdle returns at once; conversions finish before ConvertInto returns.
func (d *HostDevice) WaitIdle() error { return nil }

// picture returns the pixels bound to img.
func (d *HostDevice) picture(img decode.ImageHandle) (*image.YCbCr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mem, ok := d.bindings[img]
	if !ok {
		return nil, fmt.Errorf("software: image %d is not bound", img)
	}
	pic, ok := d.memories[mem]
	if !ok {
		return nil, fmt.Errorf("software: image %d is bound to freed memory", img)
	}
	return pic, nil
}

// Live returns the number of live hardware buffers, images and memory
// mappings.
func (d *HostDevice) Live() (buffers, images, memories int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers), len(d.images), len(d.memories)
}
