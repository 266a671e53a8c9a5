package decode

import "fmt"

// PayloadKind identifies what a payload chunk carries. Every kind except
// KindSlice is codec configuration and is delivered in its own buffer.
type PayloadKind uint8

const (
	KindSlice PayloadKind = iota
	KindVPS
	KindSPS
	KindPPS
	KindALE
)

// IsConfig reports whether the kind is codec configuration data.
func (k PayloadKind) IsConfig() bool {
	return k != KindSlice
}

func (k PayloadKind) String() string {
	switch k {
	case KindSlice:
		return "slice"
	case KindVPS:
		return "vps"
	case KindSPS:
		return "sps"
	case KindPPS:
		return "pps"
	case KindALE:
		return "ale"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// BufferFlags are the flags passed with an input buffer submission and
// reported on output buffers. Values match the platform codec constants.
type BufferFlags uint32

const (
	FlagKeyFrame     BufferFlags = 1
	FlagCodecConfig  BufferFlags = 2
	FlagEndOfStream  BufferFlags = 4
	FlagPartialFrame BufferFlags = 8
)

// IsConfig reports whether the buffer holds codec configuration.
func (f BufferFlags) IsConfig() bool {
	return f&FlagCodecConfig != 0
}

// Has reports whether every bit of x is set.
func (f BufferFlags) Has(x BufferFlags) bool {
	return f&x == x
}

// Annex B start codes. Parameter sets use the long form.
var (
	configStartCode = []byte{0, 0, 0, 1}
	sliceStartCode  = []byte{0, 0, 1}
)

// StartCode returns the start code prepended to a chunk of the given kind.
func StartCode(kind PayloadKind) []byte {
	if kind.IsConfig() {
		return configStartCode
	}
	return sliceStartCode
}

// PayloadChunk is one application-level payload as delivered by the network.
type PayloadChunk struct {
	Data []byte
	Kind PayloadKind
	Last bool
}

// BufferID is the decoder's opaque handle for one of its codec buffers.
type BufferID int

// PendingInputBuffer is an input buffer the decoder has handed out and that
// has not been submitted back yet.
type PendingInputBuffer struct {
	ID          BufferID
	WriteOffset int
	Flags       BufferFlags
}

// PendingOutputBuffer is a decoded unit waiting to be released.
type PendingOutputBuffer struct {
	ID                 BufferID
	Offset             int
	Size               int
	PresentationTimeUs int64
	Flags              BufferFlags
}

// rawChunk is a start-code-prefixed copy of a payload waiting for room in a
// decoder input buffer. data shrinks from the front when a chunk is split.
type rawChunk struct {
	data  []byte
	flags BufferFlags
	last  bool
}

func newRawChunk(payload []byte, kind PayloadKind, last bool) rawChunk {
	sc := StartCode(kind)
	data := make([]byte, len(sc)+len(payload))
	copy(data, sc)
	copy(data[len(sc):], payload)

	var flags BufferFlags
	switch {
	case kind.IsConfig():
		flags = FlagCodecConfig
	case !last:
		flags = FlagPartialFrame
	}
	return rawChunk{data: data, flags: flags, last: last}
}
