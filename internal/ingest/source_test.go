package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/breeze-rmm/viewer/internal/config"
	"github.com/breeze-rmm/viewer/internal/decode"
)

type received struct {
	kind decode.PayloadKind
	last bool
	data []byte
}

// recordingSink stores every payload. failWith, when set, is returned for
// the payload at index failAt.
type recordingSink struct {
	mu       sync.Mutex
	got      []received
	failAt   int
	failWith error
	notify   chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{failAt: -1, notify: make(chan struct{}, 1024)}
}

func (s *recordingSink) Decode(payload []byte, kind decode.PayloadKind, isLast bool) (bool, error) {
	s.mu.Lock()
	idx := len(s.got)
	s.got = append(s.got, received{kind: kind, last: isLast, data: append([]byte(nil), payload...)})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	if idx == s.failAt {
		return false, s.failWith
	}
	return isLast && !kind.IsConfig(), nil
}

func (s *recordingSink) payloads() []received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]received(nil), s.got...)
}

func (s *recordingSink) waitFor(t *testing.T, n int) []received {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		if got := s.payloads(); len(got) >= n {
			return got
		}
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatalf("received %d payloads, want %d", len(s.payloads()), n)
		}
	}
}

func TestDeliverCountsAccessUnits(t *testing.T) {
	var c counters
	sink := newRecordingSink()

	for _, f := range []Frame{
		{Kind: decode.KindSPS, Data: []byte{1}},
		{Kind: decode.KindSlice, Data: []byte{2, 3}},
		{Kind: decode.KindSlice, Last: true, Data: []byte{4}},
	} {
		if _, err := c.deliver(sink, f); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}

	st := c.snapshot()
	if st.Frames != 3 || st.Bytes != 4 || st.AccessUnits != 1 {
		t.Fatalf("stats = %+v, want 3 frames, 4 bytes, 1 access unit", st)
	}
	if st.LastFrame.IsZero() {
		t.Fatal("LastFrame not set")
	}
}

func TestDeliverQueueFullIsDropNotError(t *testing.T) {
	var c counters
	sink := newRecordingSink()
	sink.failAt = 0
	sink.failWith = decode.ErrQueueFull

	dropped, err := c.deliver(sink, Frame{Kind: decode.KindSlice, Data: []byte{1}})
	if err != nil {
		t.Fatalf("deliver err = %v, want nil", err)
	}
	if !dropped {
		t.Fatal("dropped = false, want true")
	}
	if c.snapshot().Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", c.snapshot().Dropped)
	}
}

func TestDeliverNotConfiguredIsTerminal(t *testing.T) {
	var c counters
	sink := newRecordingSink()
	sink.failAt = 0
	sink.failWith = decode.ErrNotConfigured

	_, err := c.deliver(sink, Frame{Kind: decode.KindSlice, Data: []byte{1}})
	if !errors.Is(err, decode.ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
	if !isTerminal(context.Background(), err) {
		t.Fatal("ErrNotConfigured should be terminal")
	}
}

func TestBackoffGrowsAndResets(t *testing.T) {
	b := newBackoff(100*time.Millisecond, 400*time.Millisecond)

	var base []time.Duration
	for i := 0; i < 4; i++ {
		base = append(base, b.cur)
		d := b.next()
		lo := time.Duration(float64(base[i]) * (1 - jitterFactor))
		hi := time.Duration(float64(base[i]) * (1 + jitterFactor))
		if d < lo || d > hi {
			t.Fatalf("attempt %d delay %v outside [%v, %v]", i, d, lo, hi)
		}
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 400 * time.Millisecond}
	for i := range want {
		if base[i] != want[i] {
			t.Fatalf("base[%d] = %v, want %v", i, base[i], want[i])
		}
	}

	b.reset()
	if b.cur != 100*time.Millisecond {
		t.Fatalf("after reset cur = %v, want 100ms", b.cur)
	}
}

func TestRunWithBackoffStopsOnTerminalError(t *testing.T) {
	b := newBackoff(time.Millisecond, time.Millisecond)
	calls := 0
	err := runWithBackoff(context.Background(), "test", b, func(ctx context.Context, connected func()) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return decode.ErrNotConfigured
	})
	if !errors.Is(err, decode.ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRunWithBackoffReturnsNilOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := newBackoff(time.Hour, time.Hour)
	err := runWithBackoff(ctx, "test", b, func(ctx context.Context, connected func()) error {
		cancel()
		return errors.New("dial failed")
	})
	if err != nil {
		t.Fatalf("err = %v, want nil after cancel", err)
	}
}

func TestNewSelectsSource(t *testing.T) {
	tests := []struct {
		source string
		url    string
		want   string
	}{
		{"websocket", "ws://127.0.0.1:1/stream", "websocket"},
		{"quic", "127.0.0.1:4433", "quic"},
		{"file", "/tmp/capture.bvf", "file"},
	}
	for _, tt := range tests {
		cfg := config.Default()
		cfg.Source = tt.source
		cfg.SourceURL = tt.url
		src, err := New(cfg)
		if err != nil {
			t.Fatalf("New(%s): %v", tt.source, err)
		}
		if src.Name() != tt.want {
			t.Fatalf("New(%s).Name() = %q, want %q", tt.source, src.Name(), tt.want)
		}
	}

	cfg := config.Default()
	cfg.Source = "carrier-pigeon"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for unknown source")
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := newBackoff(0, 0)
	if b.initial != initialBackoff || b.max != maxBackoff {
		t.Fatalf("defaults = %v/%v, want %v/%v", b.initial, b.max, initialBackoff, maxBackoff)
	}
}
