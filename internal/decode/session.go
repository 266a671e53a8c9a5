package decode

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/viewer/internal/logging"
)

var log = logging.L("decode")

// Config holds the pipeline tuning that does not come from the surface.
type Config struct {
	Codec Codec
	// MaxImages is used when the surface description leaves it at zero.
	MaxImages int
	// ReleaseDelay is how many newer frames must exist before a ring slot
	// may be freed.
	ReleaseDelay int
	// RetryInterval is how soon a failed input submission is retried.
	RetryInterval time.Duration
	// MaxPendingBytes bounds payload bytes waiting for decoder buffers.
	// Zero disables the bound.
	MaxPendingBytes int
}

func DefaultConfig() Config {
	return Config{
		Codec:           CodecH265,
		MaxImages:       8,
		ReleaseDelay:    4,
		RetryInterval:   5 * time.Millisecond,
		MaxPendingBytes: 8 * 1024 * 1024,
	}
}

// Session owns one hardware decoder, its image reader and the GPU import
// ring. Decode may be called from the network goroutine, Display and
// CopyDecodedFrameInto from the render thread, and Initialize/Shutdown from
// anywhere; they are serialized among themselves.
type Session struct {
	id       string
	cfg      Config
	platform Platform
	log      *slog.Logger
	metrics  *Metrics

	state  atomic.Int32
	queues atomic.Pointer[eventQueues]
	ring   atomic.Pointer[releaseRing]

	pendingDisplays atomic.Int64
	lastFormat      atomic.Pointer[MediaFormat]

	lifecycleMu sync.Mutex
	decoder     NativeDecoder
	reader      ImageReader
	importer    ExternalImageImporter
	loop        *processingLoop
}

func NewSession(cfg Config, platform Platform) (*Session, error) {
	if err := platform.validate(); err != nil {
		return nil, err
	}
	if cfg.Codec == "" {
		cfg.Codec = CodecH265
	}
	if _, err := ParseCodec(string(cfg.Codec)); err != nil {
		return nil, err
	}
	if cfg.ReleaseDelay <= 0 {
		cfg.ReleaseDelay = 4
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Millisecond
	}

	id := uuid.NewString()
	return &Session{
		id:       id,
		cfg:      cfg,
		platform: platform,
		log:      logging.WithSession(log, id),
		metrics:  newMetrics(),
	}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Stats returns the counters of the current configuration.
func (s *Session) Stats() MetricsSnapshot { return s.metrics.Snapshot() }

// LastFormat returns the most recent output format reported by the decoder.
func (s *Session) LastFormat() (MediaFormat, bool) {
	f := s.lastFormat.Load()
	if f == nil {
		return MediaFormat{}, false
	}
	return *f, true
}

// Initialize creates and starts the native decoder rendering into an image
// reader described by desc. On failure the session stays unconfigured and
// Initialize may be retried.
func (s *Session) Initialize(desc SurfaceDescription) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.state.CompareAndSwap(int32(StateUnconfigured), int32(StateConfiguring)) {
		return ErrAlreadyConfigured
	}

	start := time.Now()
	if err := s.configure(desc); err != nil {
		s.abortConfigure()
		s.state.Store(int32(StateUnconfigured))
		var nerr *NativeCallError
		if errors.As(err, &nerr) {
			s.log.Error("initialize failed", logging.KeyStep, nerr.Step, logging.KeyError, nerr.Err)
		} else {
			s.log.Error("initialize failed", logging.KeyError, err)
		}
		return err
	}

	s.state.Store(int32(StateConfigured))
	s.log.Info("decoder configured",
		"codec", string(s.cfg.Codec),
		"width", desc.Width,
		"height", desc.Height,
		"maxImages", s.reader.MaxImages(),
		logging.KeyDurationMs, time.Since(start).Milliseconds())
	return nil
}

func (s *Session) configure(desc SurfaceDescription) error {
	if desc.Width <= 0 || desc.Height <= 0 {
		return fmt.Errorf("decode: invalid surface size %dx%d", desc.Width, desc.Height)
	}
	if desc.MaxImages <= 0 {
		desc.MaxImages = s.cfg.MaxImages
	}
	if desc.MaxImages < 3 {
		desc.MaxImages = 3
	}

	reader, err := s.platform.NewImageReader(desc)
	if err != nil {
		return nativeErr("create image reader", err)
	}
	s.reader = reader

	surface, err := reader.Surface()
	if err != nil {
		return nativeErr("get reader surface", err)
	}

	format := FormatFor(s.cfg.Codec, desc.Width, desc.Height)
	dec, err := s.platform.NewDecoder(format)
	if err != nil {
		return nativeErr("create decoder", err)
	}
	s.decoder = dec

	importer, err := s.platform.NewImporter()
	if err != nil {
		return nativeErr("create importer", err)
	}
	s.importer = importer

	s.metrics.reset()
	s.pendingDisplays.Store(0)
	s.lastFormat.Store(nil)

	q := newEventQueues(s.cfg.MaxPendingBytes)
	ring := newReleaseRing(reader.MaxImages(), s.cfg.ReleaseDelay, importer, s.metrics, s.log)

	if err := reader.SetImageAvailableListener(q.pushImage); err != nil {
		return nativeErr("set image listener", err)
	}
	if err := dec.Configure(format, surface); err != nil {
		return nativeErr("configure", err)
	}
	if err := dec.SetCallbacks(DecoderCallbacks{
		OnInputAvailable:  q.pushInput,
		OnOutputAvailable: q.pushOutput,
		OnFormatChanged:   s.onFormatChanged,
		OnError:           s.onDecoderError,
	}); err != nil {
		return nativeErr("set callbacks", err)
	}
	if err := dec.Start(); err != nil {
		return nativeErr("start", err)
	}

	configuredAt := time.Now()
	s.loop = &processingLoop{
		queues:          q,
		acc:             newAccumulator(dec, q, s.metrics, s.log, func() int64 { return time.Since(configuredAt).Microseconds() }),
		dec:             dec,
		reader:          reader,
		importer:        importer,
		ring:            ring,
		metrics:         s.metrics,
		log:             s.log,
		pendingDisplays: &s.pendingDisplays,
		retryInterval:   s.cfg.RetryInterval,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	s.queues.Store(q)
	s.ring.Store(ring)
	go s.loop.run()
	return nil
}

// abortConfigure releases whatever configure managed to create.
func (s *Session) abortConfigure() {
	if s.decoder != nil {
		if err := s.decoder.Close(); err != nil {
			s.log.Warn("close decoder after failed configure", logging.KeyError, err)
		}
	}
	if s.reader != nil {
		if err := s.reader.Close(); err != nil {
			s.log.Warn("close image reader after failed configure", logging.KeyError, err)
		}
	}
	s.decoder = nil
	s.reader = nil
	s.importer = nil
	s.loop = nil
}

// Shutdown stops the processing loop, waits for it to exit and then tears
// down the native decoder, the imported frames and the image reader.
// Teardown always completes; native errors are logged and returned joined.
func (s *Session) Shutdown() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.state.CompareAndSwap(int32(StateConfigured), int32(StateShuttingDown)) {
		return ErrNotConfigured
	}
	start := time.Now()

	close(s.loop.stop)
	<-s.loop.done

	var errs []error
	step := func(name string, err error) {
		if err != nil {
			s.log.Warn("shutdown step failed", logging.KeyStep, name, logging.KeyError, err)
			errs = append(errs, nativeErr(name, err))
		}
	}
	step("flush", s.decoder.Flush())
	step("stop", s.decoder.Stop())
	step("close decoder", s.decoder.Close())
	if r := s.ring.Load(); r != nil {
		step("release frames", r.releaseAll(fenceWaitTimeout))
	}
	step("close image reader", s.reader.Close())

	s.queues.Store(nil)
	s.ring.Store(nil)
	s.pendingDisplays.Store(0)
	s.decoder = nil
	s.reader = nil
	s.importer = nil
	s.loop = nil
	s.state.Store(int32(StateUnconfigured))

	s.log.Info("decoder shut down", logging.KeyDurationMs, time.Since(start).Milliseconds())
	return errors.Join(errs...)
}

// Decode copies payload, prefixed with its start code, into the pipeline.
// It returns true when payload completed a frame and was queued.
func (s *Session) Decode(payload []byte, kind PayloadKind, isLast bool) (bool, error) {
	if s.State() != StateConfigured {
		return false, ErrNotConfigured
	}
	q := s.queues.Load()
	if q == nil {
		return false, ErrNotConfigured
	}
	if len(payload) == 0 {
		return false, nil
	}

	c := newRawChunk(payload, kind, isLast)
	if err := q.pushRaw(c); err != nil {
		s.metrics.inc(&s.metrics.ChunksRejected)
		return false, err
	}
	s.metrics.RecordChunk(len(c.data))
	return isLast && !kind.IsConfig(), nil
}

// Display picks up every frame the decoder has rendered since the last call.
// It makes no native calls.
func (s *Session) Display() (bool, error) {
	if s.State() != StateConfigured {
		return false, ErrNotConfigured
	}
	s.metrics.RecordDisplayed(s.pendingDisplays.Swap(0))
	return true, nil
}

func (s *Session) onFormatChanged(f MediaFormat) {
	s.lastFormat.Store(&f)
	s.log.Info("output format changed", "mime", f.MIME, "width", f.Width, "height", f.Height)
}

func (s *Session) onDecoderError(err error) {
	s.metrics.inc(&s.metrics.DecoderErrors)
	s.log.Error("decoder reported error", logging.KeyError, err)
}
