package ingest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/breeze-rmm/viewer/internal/decode"
)

// HeaderSize is the size of the framed payload header in bytes.
// Kind(1) + Flags(1) + PTS(8) + Length(4) = 14
const HeaderSize = 14

// MaxPayloadSize bounds a single framed payload.
const MaxPayloadSize = 10 * 1024 * 1024

// FrameFlags carries per-payload metadata on the wire.
type FrameFlags byte

const (
	// FrameLast marks the final payload of an access unit.
	FrameLast FrameFlags = 0x01
)

var (
	ErrFrameTooLarge = errors.New("ingest: frame payload too large")
	ErrBadKind       = errors.New("ingest: unknown payload kind")
	ErrShortFrame    = errors.New("ingest: truncated frame")
)

// Frame is one payload as sent by the render host. Data holds a single NAL
// unit without its start code.
type Frame struct {
	Kind decode.PayloadKind
	Last bool
	PTS  int64 // microseconds
	Data []byte
}

func (f Frame) flags() FrameFlags {
	if f.Last {
		return FrameLast
	}
	return 0
}

func validKind(k decode.PayloadKind) bool {
	return k <= decode.KindALE
}

func parseHeader(h []byte) (Frame, uint32, error) {
	f := Frame{
		Kind: decode.PayloadKind(h[0]),
		Last: FrameFlags(h[1])&FrameLast != 0,
		PTS:  int64(binary.LittleEndian.Uint64(h[2:10])),
	}
	length := binary.LittleEndian.Uint32(h[10:14])
	if !validKind(f.Kind) {
		return Frame{}, 0, fmt.Errorf("%w: %d", ErrBadKind, h[0])
	}
	if length > MaxPayloadSize {
		return Frame{}, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	return f, length, nil
}

// ReadFrame reads one frame from r. It returns io.EOF only when r ends
// cleanly on a frame boundary.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortFrame
		}
		return Frame{}, err
	}

	f, length, err := parseHeader(header[:])
	if err != nil {
		return Frame{}, err
	}

	f.Data = make([]byte, length)
	if _, err := io.ReadFull(r, f.Data); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortFrame
		}
		return Frame{}, err
	}
	return f, nil
}

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	if !validKind(f.Kind) {
		return dst, fmt.Errorf("%w: %d", ErrBadKind, f.Kind)
	}
	if len(f.Data) > MaxPayloadSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(f.Data))
	}
	var header [HeaderSize]byte
	header[0] = byte(f.Kind)
	header[1] = byte(f.flags())
	binary.LittleEndian.PutUint64(header[2:10], uint64(f.PTS))
	binary.LittleEndian.PutUint32(header[10:14], uint32(len(f.Data)))
	dst = append(dst, header[:]...)
	return append(dst, f.Data...), nil
}

// WriteFrame writes one encoded frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := AppendFrame(make([]byte, 0, HeaderSize+len(f.Data)), f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ParseFrames decodes every frame in a message. WebSocket messages may
// batch several frames; a trailing partial frame is an error.
func ParseFrames(msg []byte) ([]Frame, error) {
	var frames []Frame
	for len(msg) > 0 {
		if len(msg) < HeaderSize {
			return frames, ErrShortFrame
		}
		f, length, err := parseHeader(msg[:HeaderSize])
		if err != nil {
			return frames, err
		}
		msg = msg[HeaderSize:]
		if uint32(len(msg)) < length {
			return frames, ErrShortFrame
		}
		f.Data = msg[:length:length]
		msg = msg[length:]
		frames = append(frames, f)
	}
	return frames, nil
}

// FramesFromAccessUnit splits an Annex B access unit into frames, one per
// NAL unit, all stamped with pts.
func FramesFromAccessUnit(c decode.Codec, au []byte, pts int64) []Frame {
	chunks := decode.SplitAccessUnit(c, au)
	frames := make([]Frame, 0, len(chunks))
	for _, ch := range chunks {
		frames = append(frames, Frame{Kind: ch.Kind, Last: ch.Last, PTS: pts, Data: ch.Data})
	}
	return frames
}
