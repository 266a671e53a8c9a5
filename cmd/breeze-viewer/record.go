package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/breeze-rmm/viewer/internal/config"
	"github.com/breeze-rmm/viewer/internal/decode"
	"github.com/breeze-rmm/viewer/internal/ingest"
)

// captureSink writes every payload it receives as a framed record,
// timestamped relative to the first payload.
type captureSink struct {
	mu    sync.Mutex
	w     io.Writer
	start time.Time
	now   func() time.Time
	n     int
}

func newCaptureSink(w io.Writer) *captureSink {
	return &captureSink{w: w, now: time.Now}
}

func (c *captureSink) Decode(payload []byte, kind decode.PayloadKind, isLast bool) (bool, error) {
	if len(payload) == 0 {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.n == 0 {
		c.start = now
	}
	err := ingest.WriteFrame(c.w, ingest.Frame{
		Kind: kind,
		Last: isLast,
		PTS:  now.Sub(c.start).Microseconds(),
		Data: payload,
	})
	if err != nil {
		return false, err
	}
	c.n++
	return isLast && !kind.IsConfig(), nil
}

func recordStream(cfg *config.Config, path string, d time.Duration) error {
	src, err := ingest.New(cfg)
	if err != nil {
		return err
	}
	if rtc, ok := src.(*ingest.RTCReceiver); ok {
		if err := negotiate(rtc); err != nil {
			rtc.Close()
			return err
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create capture: %w", err)
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	sink := newCaptureSink(bw)

	ctx, cancel := signalContext()
	defer cancel()
	if d > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, d)
		defer stop()
	}

	log.Info("recording", "source", src.Name(), "file", path)
	runErr := src.Run(ctx, sink)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush capture: %w", err)
	}
	st := src.Stats()
	log.Info("recording finished", "payloads", sink.n, "accessUnits", st.AccessUnits, "bytes", st.Bytes)
	return runErr
}
