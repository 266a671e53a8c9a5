package decode

import (
	"fmt"
	"strings"
)

// Codec is the compressed video format fed to the decoder.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
)

// ParseCodec accepts h264/avc and h265/hevc in any case.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "h264", "avc":
		return CodecH264, nil
	case "h265", "hevc":
		return CodecH265, nil
	}
	return "", fmt.Errorf("decode: unsupported codec %q", s)
}

// MIME returns the decoder mime type for the codec.
func (c Codec) MIME() string {
	if c == CodecH265 {
		return "video/hevc"
	}
	return "video/avc"
}

// NAL unit types that map to configuration payload kinds.
const (
	h264NALSPS = 7
	h264NALPPS = 8

	h265NALVPS = 32
	h265NALSPS = 33
	h265NALPPS = 34
)

// NALType returns the NAL unit type from the first header byte.
func (c Codec) NALType(header byte) byte {
	if c == CodecH265 {
		return (header >> 1) & 0x3F
	}
	return header & 0x1F
}

// ClassifyNAL maps a NAL unit (without start code) to the payload kind used
// when feeding it to a session.
func ClassifyNAL(c Codec, nal []byte) PayloadKind {
	if len(nal) == 0 {
		return KindSlice
	}
	t := c.NALType(nal[0])
	if c == CodecH265 {
		switch t {
		case h265NALVPS:
			return KindVPS
		case h265NALSPS:
			return KindSPS
		case h265NALPPS:
			return KindPPS
		}
		return KindSlice
	}
	switch t {
	case h264NALSPS:
		return KindSPS
	case h264NALPPS:
		return KindPPS
	}
	return KindSlice
}

// SplitAnnexB splits an Annex B byte stream into NAL units with their start
// codes removed. Data before the first start code is ignored. Zero bytes
// before a start code belong to the start code or are trailing_zero_8bits,
// so they are trimmed from the preceding NAL unit.
func SplitAnnexB(data []byte) [][]byte {
	var nals [][]byte
	start := -1
	emit := func(end int) {
		for end > start && data[end-1] == 0 {
			end--
		}
		if end > start {
			nals = append(nals, data[start:end])
		}
	}
	for i := 0; i+2 < len(data); {
		if data[i] != 0 || data[i+1] != 0 || data[i+2] != 1 {
			i++
			continue
		}
		if start >= 0 {
			emit(i)
		}
		i += 3
		start = i
	}
	if start >= 0 {
		emit(len(data))
	}
	return nals
}

// SplitAccessUnit turns one Annex B access unit into payload chunks ready
// for Session.Decode. The last slice NAL of the unit is marked Last.
func SplitAccessUnit(c Codec, au []byte) []PayloadChunk {
	nals := SplitAnnexB(au)
	chunks := make([]PayloadChunk, 0, len(nals))
	lastSlice := -1
	for _, nal := range nals {
		kind := ClassifyNAL(c, nal)
		if kind == KindSlice {
			lastSlice = len(chunks)
		}
		chunks = append(chunks, PayloadChunk{Data: nal, Kind: kind})
	}
	if lastSlice >= 0 {
		chunks[lastSlice].Last = true
	}
	return chunks
}
