package decode

// Interfaces implemented by the platform media and GPU layers. A session
// only ever talks to these; platform code is selected at construction time
// through a Platform.

// MediaFormat describes the stream handed to NativeDecoder.Configure and the
// format reported by OnFormatChanged.
type MediaFormat struct {
	MIME         string
	Width        int
	Height       int
	MaxInputSize int
	LowLatency   bool
}

// FormatFor builds the decoder format for a codec and resolution.
func FormatFor(c Codec, width, height int) MediaFormat {
	return MediaFormat{
		MIME:       c.MIME(),
		Width:      width,
		Height:     height,
		LowLatency: true,
	}
}

// PixelFormat of images produced by the image reader.
type PixelFormat uint32

const (
	// PixelFormatPrivate leaves the layout to the platform; only GPU import
	// can read it.
	PixelFormatPrivate PixelFormat = 0x22
	PixelFormatYUV420  PixelFormat = 0x23
)

// SurfaceDescription is what the application asks the decoder to render into.
type SurfaceDescription struct {
	Width     int
	Height    int
	Format    PixelFormat
	MaxImages int
}

// SurfaceHandle is the native window the decoder renders output to.
type SurfaceHandle uint64

// HardwareBuffer is the native handle behind a decoded image.
type HardwareBuffer uint64

// DecoderCallbacks are invoked from threads owned by the native decoder.
// They must not block.
type DecoderCallbacks struct {
	OnInputAvailable  func(id BufferID)
	OnOutputAvailable func(out PendingOutputBuffer)
	OnFormatChanged   func(format MediaFormat)
	OnError           func(err error)
}

// NativeDecoder is an asynchronous hardware video decoder. Callbacks are
// never invoked synchronously from inside one of its methods.
type NativeDecoder interface {
	Configure(format MediaFormat, surface SurfaceHandle) error
	SetCallbacks(cb DecoderCallbacks) error
	Start() error
	Flush() error
	Stop() error
	// InputBuffer returns the writable memory of a buffer announced through
	// OnInputAvailable.
	InputBuffer(id BufferID) ([]byte, error)
	QueueInputBuffer(id BufferID, offset, size int, ptsUs int64, flags BufferFlags) error
	ReleaseOutputBuffer(id BufferID, render bool) error
	Close() error
}

// ImageReader receives the images the decoder renders to its surface.
type ImageReader interface {
	Surface() (SurfaceHandle, error)
	// SetImageAvailableListener registers fn to be called from a native
	// thread whenever a new image is ready.
	SetImageAvailableListener(fn func()) error
	// AcquireLatestImage returns the newest image and discards older ones.
	AcquireLatestImage() (NativeImage, error)
	MaxImages() int
	Close() error
}

// NativeImage is one decoded image held by the reader until closed.
type NativeImage interface {
	HardwareBuffer() (HardwareBuffer, error)
	TimestampNs() int64
	// AcquireFence signals when the decoder has finished writing the image.
	// Nil means the image is ready.
	AcquireFence() Fence
	Close()
}

// Fence is a one-shot GPU or CPU synchronization point.
type Fence interface {
	Signaled() bool
}

// Texture is the application's persistent output texture.
type Texture interface {
	TextureID() uint64
}

// GraphicsContext runs the format conversion from an imported frame into
// the application's texture on the render thread. The returned fence
// signals when the GPU is done reading src; nil means the read completed
// synchronously.
type GraphicsContext interface {
	ConvertInto(src *ImportedFrame, dst Texture) (Fence, error)
}

// ImageHandle and MemoryHandle are GPU object handles.
type (
	ImageHandle  uint64
	MemoryHandle uint64
)

// MemoryPropertyFlags follow the Vulkan memory property bits.
type MemoryPropertyFlags uint32

const (
	MemoryPropertyDeviceLocal  MemoryPropertyFlags = 0x1
	MemoryPropertyHostVisible  MemoryPropertyFlags = 0x2
	MemoryPropertyHostCoherent MemoryPropertyFlags = 0x4
)

// MemoryType is one entry of the device's memory type table.
type MemoryType struct {
	PropertyFlags MemoryPropertyFlags
	HeapIndex     uint32
}

// ExternalProperties are the import properties of a native hardware buffer.
type ExternalProperties struct {
	Format         uint32
	ExternalFormat uint64
	Width          uint32
	Height         uint32
	Layers         uint32
	AllocationSize uint64
	MemoryTypeBits uint32
}

// GPUDevice exposes the external memory operations needed to import a
// decoded image without copying it.
type GPUDevice interface {
	ExternalProperties(buf HardwareBuffer) (ExternalProperties, error)
	CreateExternalImage(props ExternalProperties) (ImageHandle, error)
	DestroyImage(img ImageHandle)
	MemoryTypes() []MemoryType
	// ImportMemory allocates size bytes backed by buf as a dedicated
	// allocation for img.
	ImportMemory(buf HardwareBuffer, size uint64, typeIndex uint32, img ImageHandle) (MemoryHandle, error)
	FreeMemory(mem MemoryHandle)
	BindImageMemory(img ImageHandle, mem MemoryHandle, offset uint64) error
	WaitIdle() error
}
