package decode

import (
	"bytes"
	"testing"
)

func TestSplitAnnexB(t *testing.T) {
	data := []byte{
		0, 0, 0, 1, 0x67, 0xAA,
		0, 0, 1, 0x68, 0xBB, 0xCC,
		0, 0, 0, 1, 0x65, 0x01, 0x02,
	}
	nals := SplitAnnexB(data)
	want := [][]byte{{0x67, 0xAA}, {0x68, 0xBB, 0xCC}, {0x65, 0x01, 0x02}}
	if len(nals) != len(want) {
		t.Fatalf("got %d NAL units, want %d", len(nals), len(want))
	}
	for i := range want {
		if !bytes.Equal(nals[i], want[i]) {
			t.Errorf("nal %d = %x, want %x", i, nals[i], want[i])
		}
	}
}

func TestSplitAnnexBTrimsZerosBeforeStartCode(t *testing.T) {
	data := []byte{
		0, 0, 0, 1, 0x67, 0xAA,
		0, 0, 0, 0, 1, 0x68, 0xBB,
		0, 0, 0, 0, 0, 1, 0x65, 0x01,
		0, 0,
	}
	nals := SplitAnnexB(data)
	want := [][]byte{{0x67, 0xAA}, {0x68, 0xBB}, {0x65, 0x01}}
	if len(nals) != len(want) {
		t.Fatalf("got %d NAL units, want %d", len(nals), len(want))
	}
	for i := range want {
		if !bytes.Equal(nals[i], want[i]) {
			t.Errorf("nal %d = %x, want %x", i, nals[i], want[i])
		}
	}
}

func TestSplitAnnexBNoStartCode(t *testing.T) {
	if nals := SplitAnnexB([]byte{1, 2, 3, 4}); len(nals) != 0 {
		t.Fatalf("got %d NAL units from data without start codes", len(nals))
	}
}

func TestClassifyNAL(t *testing.T) {
	tests := []struct {
		codec  Codec
		header byte
		want   PayloadKind
	}{
		{CodecH264, 0x67, KindSPS},
		{CodecH264, 0x68, KindPPS},
		{CodecH264, 0x65, KindSlice},
		{CodecH264, 0x41, KindSlice},
		{CodecH265, 0x40, KindVPS},
		{CodecH265, 0x42, KindSPS},
		{CodecH265, 0x44, KindPPS},
		{CodecH265, 0x26, KindSlice},
		{CodecH265, 0x02, KindSlice},
	}
	for _, tt := range tests {
		if got := ClassifyNAL(tt.codec, []byte{tt.header, 0x01}); got != tt.want {
			t.Errorf("ClassifyNAL(%s, %#x) = %s, want %s", tt.codec, tt.header, got, tt.want)
		}
	}
}

func TestSplitAccessUnitMarksLastSlice(t *testing.T) {
	au := []byte{
		0, 0, 0, 1, 0x40, 0x01,
		0, 0, 0, 1, 0x42, 0x01,
		0, 0, 0, 1, 0x44, 0x01,
		0, 0, 1, 0x26, 0x01, 0xAA,
		0, 0, 1, 0x02, 0x01, 0xBB,
	}
	chunks := SplitAccessUnit(CodecH265, au)
	if len(chunks) != 5 {
		t.Fatalf("chunks = %d, want 5", len(chunks))
	}
	wantKinds := []PayloadKind{KindVPS, KindSPS, KindPPS, KindSlice, KindSlice}
	for i, c := range chunks {
		if c.Kind != wantKinds[i] {
			t.Errorf("chunk %d kind = %s, want %s", i, c.Kind, wantKinds[i])
		}
		if c.Last != (i == 4) {
			t.Errorf("chunk %d Last = %v", i, c.Last)
		}
	}
}

func TestParseCodec(t *testing.T) {
	for in, want := range map[string]Codec{"h264": CodecH264, "AVC": CodecH264, " hevc ": CodecH265, "H265": CodecH265} {
		got, err := ParseCodec(in)
		if err != nil || got != want {
			t.Errorf("ParseCodec(%q) = %q, %v want %q", in, got, err, want)
		}
	}
	if _, err := ParseCodec("vp9"); err == nil {
		t.Error("ParseCodec(vp9) should fail")
	}
	if CodecH265.MIME() != "video/hevc" || CodecH264.MIME() != "video/avc" {
		t.Error("unexpected MIME types")
	}
}
