package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/breeze-rmm/viewer/internal/config"
	"github.com/breeze-rmm/viewer/internal/decode"
	"github.com/breeze-rmm/viewer/internal/health"
	"github.com/breeze-rmm/viewer/internal/ingest"
)

func writeH265Capture(t *testing.T, accessUnits int) string {
	t.Helper()
	var buf bytes.Buffer
	write := func(f ingest.Frame) {
		if err := ingest.WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	write(ingest.Frame{Kind: decode.KindVPS, Data: []byte{0x40, 0x01, 0x0c}})
	write(ingest.Frame{Kind: decode.KindSPS, Data: []byte{0x42, 0x01, 0x01}})
	write(ingest.Frame{Kind: decode.KindPPS, Data: []byte{0x44, 0x01, 0xc1}})
	for i := 0; i < accessUnits; i++ {
		pts := int64(i) * 16_666
		write(ingest.Frame{Kind: decode.KindSlice, PTS: pts, Data: []byte{0x26, 0x01, byte(i), 0xaa}})
		write(ingest.Frame{Kind: decode.KindSlice, Last: true, PTS: pts, Data: []byte{0x26, 0x01, byte(i), 0xbb}})
	}

	path := filepath.Join(t.TempDir(), "capture.bvf")
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Codec = "h265"
	cfg.Width = 640
	cfg.Height = 360
	cfg.RenderFPS = 240
	cfg.MetricsIntervalSeconds = 1
	if r := cfg.ValidateTiered(); r.HasFatals() {
		t.Fatalf("config: %v", r.Err())
	}
	return cfg
}

func TestPipelineReplaysCaptureToTexture(t *testing.T) {
	path := writeH265Capture(t, 12)
	cfg := testConfig(t)

	src := ingest.NewFileSource(path, ingest.FileOptions{})
	p, err := newPipeline(cfg, src)
	if err != nil {
		t.Fatalf("newPipeline: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if p.session.State() != decode.StateUnconfigured {
		t.Fatalf("state after run = %v, want unconfigured", p.session.State())
	}
	if st := src.Stats(); st.AccessUnits != 12 {
		t.Fatalf("AccessUnits = %d, want 12", st.AccessUnits)
	}
	st := p.session.Stats()
	if st.FramesRendered == 0 {
		t.Fatal("no frames rendered by the decoder")
	}
	if st.FramesConverted == 0 {
		t.Fatal("no frames converted into the texture")
	}
}

func TestPipelineStopsOnCancel(t *testing.T) {
	path := writeH265Capture(t, 2)
	cfg := testConfig(t)

	src := ingest.NewFileSource(path, ingest.FileOptions{Loop: true, Realtime: true})
	p, err := newPipeline(cfg, src)
	if err != nil {
		t.Fatalf("newPipeline: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := p.run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if p.session.State() != decode.StateUnconfigured {
		t.Fatalf("state after cancel = %v, want unconfigured", p.session.State())
	}
}

func TestNewPipelineUnknownPlatform(t *testing.T) {
	cfg := testConfig(t)
	cfg.Platform = "mediacodec"
	if _, err := newPipeline(cfg, ingest.NewFileSource("unused", ingest.FileOptions{})); err == nil {
		t.Fatal("expected error for unregistered platform")
	}
}

func TestCaptureSinkWritesReplayableFrames(t *testing.T) {
	var buf bytes.Buffer
	sink := newCaptureSink(&buf)
	base := time.Unix(1000, 0)
	ticks := 0
	sink.now = func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks-1) * 10 * time.Millisecond)
	}

	sink.Decode([]byte{0x67}, decode.KindSPS, false)
	sink.Decode(nil, decode.KindSlice, false)
	if done, _ := sink.Decode([]byte{0x65}, decode.KindSlice, true); !done {
		t.Fatal("Decode on last slice should report a complete access unit")
	}

	path := filepath.Join(t.TempDir(), "rec.bvf")
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}
	var frames []ingest.Frame
	f, _ := os.Open(path)
	defer f.Close()
	for {
		fr, err := ingest.ReadFrame(f)
		if err != nil {
			break
		}
		frames = append(frames, fr)
	}
	if len(frames) != 2 {
		t.Fatalf("recorded %d frames, want 2 (empty payload skipped)", len(frames))
	}
	if frames[0].PTS != 0 || frames[1].PTS != 10_000 {
		t.Fatalf("pts = %d, %d, want 0, 10000", frames[0].PTS, frames[1].PTS)
	}
	if !frames[1].Last || frames[1].Kind != decode.KindSlice {
		t.Fatalf("frame 1 = %+v", frames[1])
	}
}

type staticStats struct{ snap decode.MetricsSnapshot }

func (s *staticStats) Stats() decode.MetricsSnapshot { return s.snap }

type staticSource struct{ st ingest.Stats }

func (s *staticSource) Name() string { return "static" }

func (s *staticSource) Run(ctx context.Context, sink ingest.Sink) error { return nil }

func (s *staticSource) Stats() ingest.Stats { return s.st }

func TestReporterDerivesHealth(t *testing.T) {
	stats := &staticStats{}
	src := &staticSource{}
	hm := health.NewMonitor()
	r := newReporter(stats, src, hm, time.Second)

	src.st.Frames = 10
	stats.snap.FramesRendered = 5
	stats.snap.FramesConverted = 5
	r.report()
	if got := hm.Overall(); got != health.Healthy {
		t.Fatalf("Overall = %v, want healthy", got)
	}

	src.st.Frames = 20
	src.st.Dropped = 3
	stats.snap.FramesRendered = 9
	stats.snap.DecoderErrors = 1
	stats.snap.FramesConverted = 9
	r.report()

	if c, _ := hm.Get(health.ComponentIngest); c.Status != health.Degraded {
		t.Fatalf("ingest = %v, want degraded", c.Status)
	}
	if c, _ := hm.Get(health.ComponentDecoder); c.Status != health.Unhealthy {
		t.Fatalf("decoder = %v, want unhealthy", c.Status)
	}
	if c, _ := hm.Get(health.ComponentBridge); c.Status != health.Healthy {
		t.Fatalf("bridge = %v, want healthy", c.Status)
	}
	if got := hm.Overall(); got != health.Unhealthy {
		t.Fatalf("Overall = %v, want unhealthy", got)
	}

	stats.snap.ConvertFailures = 2
	r.report()
	if c, _ := hm.Get(health.ComponentBridge); c.Status != health.Degraded {
		t.Fatalf("bridge after conversion failures = %v, want degraded", c.Status)
	}
}
