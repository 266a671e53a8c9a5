package loopback

import (
	"errors"
	"fmt"
	"sync"

	"github.com/breeze-rmm/viewer/internal/decode"
)

// Device implements decode.GPUDevice over handle tables. Memory type 0 is
// host visible, type 1 is device local; imports must use the latter.
type Device struct {
	mu         sync.Mutex
	next       uint64
	buffers    map[decode.HardwareBuffer]bufferInfo
	images     map[decode.ImageHandle]decode.ExternalProperties
	memories   map[decode.MemoryHandle]decode.HardwareBuffer
	bindings   map[decode.ImageHandle]decode.MemoryHandle
	types      []decode.MemoryType
	failImport int
	idleHooks  []func()
}

type bufferInfo struct {
	width, height uint32
}

func NewDevice() *Device {
	return &Device{
		buffers:  make(map[decode.HardwareBuffer]bufferInfo),
		images:   make(map[decode.ImageHandle]decode.ExternalProperties),
		memories: make(map[decode.MemoryHandle]decode.HardwareBuffer),
		bindings: make(map[decode.ImageHandle]decode.MemoryHandle),
		types: []decode.MemoryType{
			{PropertyFlags: decode.MemoryPropertyHostVisible | decode.MemoryPropertyHostCoherent, HeapIndex: 0},
			{PropertyFlags: decode.MemoryPropertyDeviceLocal, HeapIndex: 1},
		},
	}
}

func (d *Device) handle() uint64 {
	d.next++
	return d.next
}

func (d *Device) allocBuffer(width, height uint32) decode.HardwareBuffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := decode.HardwareBuffer(d.handle())
	d.buffers[buf] = bufferInfo{width: width, height: height}
	return buf
}

func (d *Device) freeBuffer(buf decode.HardwareBuffer) {
	d.mu.Lock()
	delete(d.buffers, buf)
	d.mu.Unlock()
}

func (d *Device) ExternalProperties(buf decode.HardwareBuffer) (decode.ExternalProperties, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.buffers[buf]
	if !ok {
		return decode.ExternalProperties{}, fmt.Errorf("loopback: unknown hardware buffer %d", buf)
	}
	return decode.ExternalProperties{
		ExternalFormat: uint64(decode.PixelFormatPrivate),
		Width:          info.width,
		Height:         info.height,
		Layers:         1,
		AllocationSize: uint64(info.width) * uint64(info.height) * 3 / 2,
		MemoryTypeBits: 0b11,
	}, nil
}

func (d *Device) CreateExternalImage(props decode.ExternalProperties) (decode.ImageHandle, error) {
	if props.Width == 0 || props.Height == 0 {
		return 0, errors.New("loopback: zero image extent")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	img := decode.ImageHandle(d.handle())
	d.images[img] = props
	return img, nil
}

func (d *Device) DestroyImage(img decode.ImageHandle) {
	d.mu.Lock()
	delete(d.images, img)
	delete(d.bindings, img)
	d.mu.Unlock()
}

func (d *Device) MemoryTypes() []decode.MemoryType {
	return append([]decode.MemoryType(nil), d.types...)
}

func (d *Device) ImportMemory(buf decode.HardwareBuffer, size uint64, typeIndex uint32, img decode.ImageHandle) (decode.MemoryHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failImport > 0 {
		d.failImport--
		return 0, errors.New("loopback: import rejected")
	}
	if _, ok := d.buffers[buf]; !ok {
		return 0, fmt.Errorf("loopback: import of unknown hardware buffer %d", buf)
	}
	if _, ok := d.images[img]; !ok {
		return 0, fmt.Errorf("loopback: dedicated image %d does not exist", img)
	}
	if int(typeIndex) >= len(d.types) || d.types[typeIndex].PropertyFlags&decode.MemoryPropertyDeviceLocal == 0 {
		return 0, fmt.Errorf("loopback: memory type %d is not device local", typeIndex)
	}
	if size == 0 {
		return 0, errors.New("loopback: zero-size import")
	}
	mem := decode.MemoryHandle(d.handle())
	d.memories[mem] = buf
	return mem, nil
}

func (d *Device) FreeMemory(mem decode.MemoryHandle) {
	d.mu.Lock()
	delete(d.memories, mem)
	d.mu.Unlock()
}

func (d *Device) BindImageMemory(img decode.ImageHandle, mem decode.MemoryHandle, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset != 0 {
		return fmt.Errorf("loopback: external memory must be bound at offset 0, got %d", offset)
	}
	if _, ok := d.images[img]; !ok {
		return fmt.Errorf("loopback: bind to unknown image %d", img)
	}
	if _, ok := d.memories[mem]; !ok {
		return fmt.Errorf("loopback: bind of unknown memory %d", mem)
	}
	d.bindings[img] = mem
	return nil
}

// WaitIdle completes all submitted GPU work, signaling every fence handed
// out by graphics contexts on this device.
func (d *Device) WaitIdle() error {
	d.mu.Lock()
	hooks := append([]func(){}, d.idleHooks...)
	d.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (d *Device) onIdle(fn func()) {
	d.mu.Lock()
	d.idleHooks = append(d.idleHooks, fn)
	d.mu.Unlock()
}

// bound reports whether img is alive and bound to live memory.
func (d *Device) bound(img decode.ImageHandle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	mem, ok := d.bindings[img]
	if !ok {
		return false
	}
	_, ok = d.memories[mem]
	return ok
}

// FailNextImports makes the next n ImportMemory calls fail.
func (d *Device) FailNextImports(n int) {
	d.mu.Lock()
	d.failImport = n
	d.mu.Unlock()
}

// Live returns the number of live hardware buffers, GPU images and memory
// allocations.
func (d *Device) Live() (buffers, images, memories int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers), len(d.images), len(d.memories)
}
