package decode

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/breeze-rmm/viewer/internal/logging"
)

type submission struct {
	id    BufferID
	data  []byte
	ptsUs int64
	flags BufferFlags
}

// recordingDecoder is a NativeDecoder that only records input submissions.
type recordingDecoder struct {
	buffers   map[BufferID][]byte
	subs      []submission
	failQueue int
	failInput map[BufferID]bool
}

func newRecordingDecoder(capacity int, ids ...BufferID) *recordingDecoder {
	d := &recordingDecoder{buffers: map[BufferID][]byte{}, failInput: map[BufferID]bool{}}
	for _, id := range ids {
		d.buffers[id] = make([]byte, capacity)
	}
	return d
}

func (d *recordingDecoder) Configure(MediaFormat, SurfaceHandle) error { return nil }
func (d *recordingDecoder) SetCallbacks(DecoderCallbacks) error       { return nil }
func (d *recordingDecoder) Start() error                              { return nil }
func (d *recordingDecoder) Flush() error                              { return nil }
func (d *recordingDecoder) Stop() error                               { return nil }
func (d *recordingDecoder) Close() error                              { return nil }

func (d *recordingDecoder) ReleaseOutputBuffer(BufferID, bool) error { return nil }

func (d *recordingDecoder) InputBuffer(id BufferID) ([]byte, error) {
	if d.failInput[id] {
		return nil, errors.New("unmappable")
	}
	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("no buffer %d", id)
	}
	return b, nil
}

func (d *recordingDecoder) QueueInputBuffer(id BufferID, offset, size int, ptsUs int64, flags BufferFlags) error {
	if d.failQueue > 0 {
		d.failQueue--
		return errors.New("queue rejected")
	}
	var data []byte
	if b, ok := d.buffers[id]; ok {
		data = append([]byte(nil), b[offset:offset+size]...)
	}
	d.subs = append(d.subs, submission{id: id, data: data, ptsUs: ptsUs, flags: flags})
	return nil
}

func newTestAccumulator(dec NativeDecoder) (*accumulator, *eventQueues) {
	q := newEventQueues(0)
	clock := int64(0)
	a := newAccumulator(dec, q, newMetrics(), logging.L("test"), func() int64 {
		clock += 1000
		return clock
	})
	return a, q
}

func feed(a *accumulator, q *eventQueues, ids []BufferID, chunks ...PayloadChunk) {
	for _, id := range ids {
		q.pushInput(id)
	}
	for _, c := range chunks {
		if err := q.pushRaw(newRawChunk(c.Data, c.Kind, c.Last)); err != nil {
			panic(err)
		}
	}
	a.add(q.take())
	a.step()
}

func payload(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

func TestStartCodeLengthByKind(t *testing.T) {
	for _, kind := range []PayloadKind{KindVPS, KindSPS, KindPPS, KindALE} {
		if got := StartCode(kind); !bytes.Equal(got, []byte{0, 0, 0, 1}) {
			t.Errorf("StartCode(%s) = %x, want 00000001", kind, got)
		}
	}
	if got := StartCode(KindSlice); !bytes.Equal(got, []byte{0, 0, 1}) {
		t.Errorf("StartCode(slice) = %x, want 000001", got)
	}
}

func TestSingleSliceIntoEmptyBuffer(t *testing.T) {
	dec := newRecordingDecoder(100, 7)
	a, q := newTestAccumulator(dec)

	p := payload(10, 0xAB)
	feed(a, q, []BufferID{7}, PayloadChunk{Data: p, Kind: KindSlice, Last: true})

	if len(dec.subs) != 1 {
		t.Fatalf("submissions = %d, want 1", len(dec.subs))
	}
	s := dec.subs[0]
	if s.id != 7 {
		t.Fatalf("id = %d, want 7", s.id)
	}
	want := append([]byte{0, 0, 1}, p...)
	if !bytes.Equal(s.data, want) {
		t.Fatalf("data = %x, want %x", s.data, want)
	}
	if len(s.data) != 13 {
		t.Fatalf("size = %d, want 13", len(s.data))
	}
	if s.flags != 0 {
		t.Fatalf("flags = %d, want 0", s.flags)
	}
	if q.pendingBytes.Load() != 0 {
		t.Fatalf("pendingBytes = %d, want 0", q.pendingBytes.Load())
	}
}

func TestFrameChunksShareOneBuffer(t *testing.T) {
	dec := newRecordingDecoder(100, 0)
	a, q := newTestAccumulator(dec)

	first, second := payload(5, 1), payload(6, 2)
	feed(a, q, []BufferID{0},
		PayloadChunk{Data: first, Kind: KindSlice},
		PayloadChunk{Data: second, Kind: KindSlice, Last: true},
	)

	if len(dec.subs) != 1 {
		t.Fatalf("submissions = %d, want 1", len(dec.subs))
	}
	var want []byte
	want = append(want, 0, 0, 1)
	want = append(want, first...)
	want = append(want, 0, 0, 1)
	want = append(want, second...)
	if !bytes.Equal(dec.subs[0].data, want) {
		t.Fatalf("data = %x, want %x", dec.subs[0].data, want)
	}
	if dec.subs[0].flags != 0 {
		t.Fatalf("flags = %d, want 0 for a completed frame", dec.subs[0].flags)
	}
}

func TestConfigAndSliceNeverShareABuffer(t *testing.T) {
	dec := newRecordingDecoder(100, 0, 1)
	a, q := newTestAccumulator(dec)

	sps := payload(8, 0x42)
	slice := payload(4, 0x26)
	feed(a, q, []BufferID{0, 1},
		PayloadChunk{Data: sps, Kind: KindSPS},
		PayloadChunk{Data: slice, Kind: KindSlice, Last: true},
	)

	if len(dec.subs) != 2 {
		t.Fatalf("submissions = %d, want 2", len(dec.subs))
	}
	cfg, sl := dec.subs[0], dec.subs[1]
	if !cfg.flags.IsConfig() {
		t.Fatalf("first flags = %d, want codec config", cfg.flags)
	}
	if !bytes.Equal(cfg.data, append([]byte{0, 0, 0, 1}, sps...)) {
		t.Fatalf("config data = %x", cfg.data)
	}
	if sl.flags.IsConfig() {
		t.Fatalf("slice buffer flagged as config")
	}
	if !bytes.Equal(sl.data, append([]byte{0, 0, 1}, slice...)) {
		t.Fatalf("slice data = %x", sl.data)
	}
}

func TestSliceThenConfigFlushesSlice(t *testing.T) {
	dec := newRecordingDecoder(100, 0, 1)
	a, q := newTestAccumulator(dec)

	feed(a, q, []BufferID{0, 1},
		PayloadChunk{Data: payload(4, 1), Kind: KindSlice},
		PayloadChunk{Data: payload(4, 2), Kind: KindPPS},
		PayloadChunk{Data: payload(4, 3), Kind: KindSlice, Last: true},
	)

	if len(dec.subs) < 2 {
		t.Fatalf("submissions = %d, want at least 2", len(dec.subs))
	}
	if dec.subs[0].flags != FlagPartialFrame {
		t.Fatalf("first flags = %d, want partial frame", dec.subs[0].flags)
	}
	if dec.subs[1].flags != FlagCodecConfig {
		t.Fatalf("second flags = %d, want codec config", dec.subs[1].flags)
	}
}

func TestOversizedSliceSplitsLosslessly(t *testing.T) {
	dec := newRecordingDecoder(16, 0, 1, 2)
	a, q := newTestAccumulator(dec)

	p := make([]byte, 40)
	for i := range p {
		p[i] = byte(i + 1)
	}
	feed(a, q, []BufferID{0, 1, 2}, PayloadChunk{Data: p, Kind: KindSlice, Last: true})

	if len(dec.subs) != 3 {
		t.Fatalf("submissions = %d, want 3", len(dec.subs))
	}
	wantSizes := []int{16, 16, 11}
	wantFlags := []BufferFlags{FlagPartialFrame, FlagPartialFrame, 0}
	var joined []byte
	for i, s := range dec.subs {
		if len(s.data) != wantSizes[i] {
			t.Errorf("submission %d size = %d, want %d", i, len(s.data), wantSizes[i])
		}
		if s.flags != wantFlags[i] {
			t.Errorf("submission %d flags = %d, want %d", i, s.flags, wantFlags[i])
		}
		joined = append(joined, s.data...)
	}
	if want := append([]byte{0, 0, 1}, p...); !bytes.Equal(joined, want) {
		t.Fatalf("joined = %x, want %x", joined, want)
	}
}

func TestOversizedConfigKeepsConfigClass(t *testing.T) {
	dec := newRecordingDecoder(16, 0, 1, 2, 3)
	a, q := newTestAccumulator(dec)

	vps := payload(30, 0x40)
	feed(a, q, []BufferID{0, 1, 2, 3},
		PayloadChunk{Data: vps, Kind: KindVPS},
		PayloadChunk{Data: payload(3, 0x26), Kind: KindSlice, Last: true},
	)

	if len(dec.subs) != 4 {
		t.Fatalf("submissions = %d, want 4", len(dec.subs))
	}
	var cfg []byte
	for i, s := range dec.subs[:3] {
		if s.flags != FlagCodecConfig {
			t.Errorf("submission %d flags = %d, want codec config only", i, s.flags)
		}
		cfg = append(cfg, s.data...)
	}
	if want := append([]byte{0, 0, 0, 1}, vps...); !bytes.Equal(cfg, want) {
		t.Fatalf("config bytes = %x, want %x", cfg, want)
	}
	if dec.subs[3].flags != 0 {
		t.Fatalf("slice flags = %d, want 0", dec.subs[3].flags)
	}
}

func TestFlushAtHalfCapacity(t *testing.T) {
	dec := newRecordingDecoder(100, 0, 1)
	a, q := newTestAccumulator(dec)

	feed(a, q, []BufferID{0, 1}, PayloadChunk{Data: payload(24, 1), Kind: KindSlice})
	if len(dec.subs) != 0 {
		t.Fatalf("submitted %d buffers at 27 bytes, want 0", len(dec.subs))
	}

	feed(a, q, nil, PayloadChunk{Data: payload(24, 2), Kind: KindSlice})
	if len(dec.subs) != 1 {
		t.Fatalf("submissions = %d, want 1 once fill passes half", len(dec.subs))
	}
	if len(dec.subs[0].data) != 54 || dec.subs[0].flags != FlagPartialFrame {
		t.Fatalf("submission = %d bytes flags %d, want 54 bytes partial", len(dec.subs[0].data), dec.subs[0].flags)
	}
}

func TestChunkThatDoesNotFitStartsNewBuffer(t *testing.T) {
	dec := newRecordingDecoder(20, 0, 1)
	a, q := newTestAccumulator(dec)

	feed(a, q, []BufferID{0, 1},
		PayloadChunk{Data: payload(5, 1), Kind: KindSlice},
		PayloadChunk{Data: payload(14, 2), Kind: KindSlice, Last: true},
	)

	if len(dec.subs) != 2 {
		t.Fatalf("submissions = %d, want 2", len(dec.subs))
	}
	if len(dec.subs[0].data) != 8 || len(dec.subs[1].data) != 17 {
		t.Fatalf("sizes = %d,%d want 8,17", len(dec.subs[0].data), len(dec.subs[1].data))
	}
}

func TestSubmitFailureKeepsBufferForRetry(t *testing.T) {
	dec := newRecordingDecoder(100, 3)
	dec.failQueue = 1
	a, q := newTestAccumulator(dec)

	feed(a, q, []BufferID{3}, PayloadChunk{Data: payload(10, 9), Kind: KindSlice, Last: true})
	if len(dec.subs) != 0 {
		t.Fatalf("submissions = %d, want 0 after failure", len(dec.subs))
	}
	if !a.stalled {
		t.Fatal("accumulator should be stalled after a failed submission")
	}

	a.step()
	if len(dec.subs) != 1 || dec.subs[0].id != 3 || len(dec.subs[0].data) != 13 {
		t.Fatalf("retry submissions = %+v", dec.subs)
	}
	if a.stalled {
		t.Fatal("accumulator still stalled after successful retry")
	}
}

func TestUnmappableInputBufferIsReturned(t *testing.T) {
	dec := newRecordingDecoder(100, 0, 1)
	dec.failInput[0] = true
	a, q := newTestAccumulator(dec)

	feed(a, q, []BufferID{0, 1}, PayloadChunk{Data: payload(10, 1), Kind: KindSlice, Last: true})

	if len(dec.subs) != 2 {
		t.Fatalf("submissions = %d, want 2", len(dec.subs))
	}
	if dec.subs[0].id != 0 || len(dec.subs[0].data) != 0 {
		t.Fatalf("first submission = %+v, want empty hand-back of buffer 0", dec.subs[0])
	}
	if dec.subs[1].id != 1 || len(dec.subs[1].data) != 13 {
		t.Fatalf("second submission = %+v", dec.subs[1])
	}
}

func TestChunksWaitForInputBuffers(t *testing.T) {
	dec := newRecordingDecoder(100, 0, 1)
	a, q := newTestAccumulator(dec)

	feed(a, q, nil,
		PayloadChunk{Data: payload(4, 1), Kind: KindSlice, Last: true},
		PayloadChunk{Data: payload(4, 2), Kind: KindSlice, Last: true},
	)
	if len(dec.subs) != 0 {
		t.Fatalf("submitted without an input buffer")
	}

	feed(a, q, []BufferID{1})
	feed(a, q, []BufferID{0})
	if len(dec.subs) != 2 {
		t.Fatalf("submissions = %d, want 2", len(dec.subs))
	}
	if dec.subs[0].data[3] != 1 || dec.subs[1].data[3] != 2 {
		t.Fatal("submission order does not match chunk arrival order")
	}
	if dec.subs[0].id != 1 || dec.subs[1].id != 0 {
		t.Fatalf("buffer ids = %d,%d, want 1,0 in availability order", dec.subs[0].id, dec.subs[1].id)
	}
}

func TestPresentationTimeCapturedOnFirstAppend(t *testing.T) {
	dec := newRecordingDecoder(100, 0, 1)
	a, q := newTestAccumulator(dec)

	feed(a, q, []BufferID{0, 1},
		PayloadChunk{Data: payload(4, 1), Kind: KindSlice},
		PayloadChunk{Data: payload(4, 2), Kind: KindSlice, Last: true},
		PayloadChunk{Data: payload(4, 3), Kind: KindSlice, Last: true},
	)
	if len(dec.subs) != 2 {
		t.Fatalf("submissions = %d, want 2", len(dec.subs))
	}
	if dec.subs[0].ptsUs != 1000 || dec.subs[1].ptsUs != 2000 {
		t.Fatalf("pts = %d,%d want 1000,2000", dec.subs[0].ptsUs, dec.subs[1].ptsUs)
	}
}
