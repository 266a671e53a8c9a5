package decode

import (
	"errors"
	"fmt"
)

// ExternalImageImporter turns a decoded native image into GPU objects the
// render thread can sample. One implementation exists per target platform.
type ExternalImageImporter interface {
	// Import does not take ownership of img on failure; the caller closes it.
	Import(img NativeImage) (*ImportedFrame, error)
	// Release destroys the GPU objects and closes the native image.
	Release(f *ImportedFrame) error
	WaitIdle() error
}

// ImportedFrame is one decoded image bound to imported GPU memory. It is
// owned by the ring slot that holds it.
type ImportedFrame struct {
	Image       NativeImage
	GPUImage    ImageHandle
	Memory      MemoryHandle
	Props       ExternalProperties
	TimestampNs int64

	slot int
	seq  uint64
	// scheduled is set once the frame is on the pending-free list.
	scheduled bool
	// useFence signals when the last conversion that read the frame is done.
	useFence Fence
}

// Slot is the ring index holding the frame.
func (f *ImportedFrame) Slot() int { return f.slot }

// Seq is the frame's production number, starting at 1 per configuration.
func (f *ImportedFrame) Seq() uint64 { return f.seq }

// DeviceImporter imports hardware buffers through a GPUDevice using a
// dedicated external memory allocation per image.
type DeviceImporter struct {
	dev GPUDevice
}

func NewDeviceImporter(dev GPUDevice) *DeviceImporter {
	return &DeviceImporter{dev: dev}
}

func (d *DeviceImporter) Import(img NativeImage) (*ImportedFrame, error) {
	buf, err := img.HardwareBuffer()
	if err != nil {
		return nil, fmt.Errorf("get hardware buffer: %w", err)
	}

	props, err := d.dev.ExternalProperties(buf)
	if err != nil {
		return nil, fmt.Errorf("query buffer properties: %w", err)
	}
	if props.AllocationSize == 0 || props.Width == 0 || props.Height == 0 {
		return nil, fmt.Errorf("buffer reports empty allocation (%dx%d, %d bytes)", props.Width, props.Height, props.AllocationSize)
	}
	if props.Layers == 0 {
		props.Layers = 1
	}

	typeIndex, ok := FindMemoryType(d.dev.MemoryTypes(), props.MemoryTypeBits, MemoryPropertyDeviceLocal)
	if !ok {
		return nil, fmt.Errorf("no device-local memory type in mask %#x", props.MemoryTypeBits)
	}

	gpuImg, err := d.dev.CreateExternalImage(props)
	if err != nil {
		return nil, fmt.Errorf("create external image: %w", err)
	}

	mem, err := d.dev.ImportMemory(buf, props.AllocationSize, typeIndex, gpuImg)
	if err != nil {
		d.dev.DestroyImage(gpuImg)
		return nil, fmt.Errorf("import memory: %w", err)
	}

	// Dedicated external allocations must be bound at offset 0.
	if err := d.dev.BindImageMemory(gpuImg, mem, 0); err != nil {
		d.dev.FreeMemory(mem)
		d.dev.DestroyImage(gpuImg)
		return nil, fmt.Errorf("bind image memory: %w", err)
	}

	return &ImportedFrame{
		Image:       img,
		GPUImage:    gpuImg,
		Memory:      mem,
		Props:       props,
		TimestampNs: img.TimestampNs(),
	}, nil
}

func (d *DeviceImporter) Release(f *ImportedFrame) error {
	if f == nil {
		return errors.New("release nil frame")
	}
	d.dev.DestroyImage(f.GPUImage)
	d.dev.FreeMemory(f.Memory)
	if f.Image != nil {
		f.Image.Close()
	}
	return nil
}

func (d *DeviceImporter) WaitIdle() error {
	return d.dev.WaitIdle()
}

// FindMemoryType returns the first memory type allowed by typeBits that has
// all of the required property flags.
func FindMemoryType(types []MemoryType, typeBits uint32, required MemoryPropertyFlags) (uint32, bool) {
	for i, t := range types {
		if i >= 32 {
			break
		}
		if typeBits&(1<<uint(i)) != 0 && t.PropertyFlags&required == required {
			return uint32(i), true
		}
	}
	return 0, false
}
