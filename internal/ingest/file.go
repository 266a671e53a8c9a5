package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// maxReplayGap caps the pause between two access units during realtime
// replay so a timestamp jump in a capture does not stall playback.
const maxReplayGap = time.Second

// FileOptions configures a FileSource.
type FileOptions struct {
	// Realtime paces delivery by the recorded timestamps.
	Realtime bool
	// Loop restarts from the beginning at end of file.
	Loop bool
}

// FileSource replays a capture written with WriteFrame.
type FileSource struct {
	path string
	opts FileOptions
	c    counters

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewFileSource(path string, opts FileOptions) *FileSource {
	return &FileSource{path: path, opts: opts, sleep: sleepCtx}
}

func (s *FileSource) Name() string { return "file" }

func (s *FileSource) Stats() Stats { return s.c.snapshot() }

// Run replays the file once, or until ctx is cancelled when looping.
func (s *FileSource) Run(ctx context.Context, sink Sink) error {
	for {
		if err := s.replay(ctx, sink); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !s.opts.Loop {
			return nil
		}
	}
}

func (s *FileSource) replay(ctx context.Context, sink Sink) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()
	s.c.connects.Add(1)

	r := bufio.NewReaderSize(f, 256*1024)
	var lastPTS int64
	started := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fr, err := ReadFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read capture %s: %w", s.path, err)
		}

		if s.opts.Realtime && started && fr.PTS > lastPTS {
			gap := time.Duration(fr.PTS-lastPTS) * time.Microsecond
			if gap > maxReplayGap {
				gap = maxReplayGap
			}
			if err := s.sleep(ctx, gap); err != nil {
				return err
			}
		}
		lastPTS, started = fr.PTS, true

		if _, err := s.c.deliver(sink, fr); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
