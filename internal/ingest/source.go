// Package ingest receives encoded video from a render host and feeds it to a
// decode session one NAL unit at a time.
package ingest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/viewer/internal/config"
	"github.com/breeze-rmm/viewer/internal/decode"
	"github.com/breeze-rmm/viewer/internal/logging"
)

var log = logging.L("ingest")

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

// Sink consumes payloads. *decode.Session satisfies it.
type Sink interface {
	Decode(payload []byte, kind decode.PayloadKind, isLast bool) (bool, error)
}

// Source delivers payloads to a sink until ctx is cancelled, the stream ends,
// or the sink stops accepting input.
type Source interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
	Stats() Stats
}

// Stats is a point-in-time copy of a source's counters.
type Stats struct {
	Frames      uint64
	Bytes       uint64
	AccessUnits uint64
	Dropped     uint64
	Connects    uint64
	LastFrame   time.Time
}

type counters struct {
	frames      atomic.Uint64
	bytes       atomic.Uint64
	accessUnits atomic.Uint64
	dropped     atomic.Uint64
	connects    atomic.Uint64
	lastFrame   atomic.Int64 // unix nanos
}

func (c *counters) snapshot() Stats {
	s := Stats{
		Frames:      c.frames.Load(),
		Bytes:       c.bytes.Load(),
		AccessUnits: c.accessUnits.Load(),
		Dropped:     c.dropped.Load(),
		Connects:    c.connects.Load(),
	}
	if ns := c.lastFrame.Load(); ns != 0 {
		s.LastFrame = time.Unix(0, ns)
	}
	return s
}

// deliver hands one frame to the sink. A full queue drops the frame and
// reports dropped=true; a sink that is no longer configured is terminal.
func (c *counters) deliver(sink Sink, f Frame) (dropped bool, err error) {
	c.frames.Add(1)
	c.bytes.Add(uint64(len(f.Data)))
	c.lastFrame.Store(time.Now().UnixNano())

	complete, err := sink.Decode(f.Data, f.Kind, f.Last)
	switch {
	case errors.Is(err, decode.ErrQueueFull):
		c.dropped.Add(1)
		return true, nil
	case err != nil:
		return false, err
	}
	if complete {
		c.accessUnits.Add(1)
	}
	return false, nil
}

// isTerminal reports whether err should end a source instead of triggering
// a reconnect.
func isTerminal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, decode.ErrNotConfigured)
}

type backoff struct {
	initial time.Duration
	max     time.Duration
	cur     time.Duration
}

func newBackoff(initial, limit time.Duration) *backoff {
	if initial <= 0 {
		initial = initialBackoff
	}
	if limit <= 0 {
		limit = maxBackoff
	}
	if limit < initial {
		limit = initial
	}
	return &backoff{initial: initial, max: limit, cur: initial}
}

func (b *backoff) reset() { b.cur = b.initial }

// next returns the jittered delay for this attempt and grows the base delay.
func (b *backoff) next() time.Duration {
	jitter := time.Duration(float64(b.cur) * jitterFactor * (rand.Float64()*2 - 1))
	sleep := b.cur + jitter
	if sleep < 0 {
		sleep = b.cur
	}
	b.cur = time.Duration(float64(b.cur) * backoffFactor)
	if b.cur > b.max {
		b.cur = b.max
	}
	return sleep
}

// runWithBackoff calls session until it returns a terminal error or ctx is
// done. session calls connected once its transport is up so the delay resets.
func runWithBackoff(ctx context.Context, name string, b *backoff, session func(ctx context.Context, connected func()) error) error {
	l := log.With("source", name)
	for {
		err := session(ctx, b.reset)
		if isTerminal(ctx, err) {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err != nil {
			l.Warn("stream interrupted", logging.KeyError, err)
		}

		sleep := b.next()
		l.Info("reconnecting", "delay", sleep)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

// New builds the source selected by cfg. The webrtc source is returned
// without a negotiated peer; callers must run Answer before Run.
func New(cfg *config.Config) (Source, error) {
	switch cfg.Source {
	case "websocket":
		return NewWebSocketSource(cfg.SourceURL, WebSocketOptions{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}), nil
	case "quic":
		return NewQUICSource(cfg.SourceURL, QUICOptions{
			TLSConfig: &tls.Config{
				NextProtos:         []string{QUICProtocol},
				InsecureSkipVerify: cfg.InsecureSkipVerify,
			},
		}), nil
	case "file":
		return NewFileSource(cfg.SourceURL, FileOptions{Realtime: true}), nil
	case "webrtc":
		r, err := NewRTCReceiver(RTCOptions{ICEServers: cfg.ICEServers})
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("ingest: unknown source %q", cfg.Source)
	}
}
