package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/breeze-rmm/viewer/internal/config"
	"github.com/breeze-rmm/viewer/internal/decode"
	"github.com/breeze-rmm/viewer/internal/decode/loopback"
	_ "github.com/breeze-rmm/viewer/internal/decode/software"
	"github.com/breeze-rmm/viewer/internal/health"
	"github.com/breeze-rmm/viewer/internal/ingest"
	"github.com/breeze-rmm/viewer/internal/logging"
)

var log = logging.L("main")

// drainGrace is how long the render loop keeps running after a finite
// source ends so queued frames still reach the screen.
const drainGrace = 500 * time.Millisecond

var errStreamEnded = errors.New("stream ended")

// frameCompleter is implemented by graphics contexts that batch GPU work
// per rendered frame.
type frameCompleter interface {
	CompleteFrame()
}

// pipeline wires one ingest source into one decode session and drives the
// render side at a fixed frame rate.
type pipeline struct {
	cfg      *config.Config
	platform decode.Platform
	session  *decode.Session
	source   ingest.Source
	health   *health.Monitor
	texture  decode.Texture
}

func newPipeline(cfg *config.Config, src ingest.Source) (*pipeline, error) {
	platform, err := decode.LookupPlatform(cfg.Platform, decode.PlatformOptions{
		InputBuffers: cfg.LoopbackInputBuffers,
		BufferSize:   cfg.LoopbackBufferSize,
		Library:      cfg.OpenH264Library,
	})
	if err != nil {
		return nil, err
	}

	codec, err := decode.ParseCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	session, err := decode.NewSession(decode.Config{
		Codec:           codec,
		MaxImages:       cfg.MaxImages,
		ReleaseDelay:    cfg.ReleaseDelayFrames,
		RetryInterval:   time.Duration(cfg.RetryIntervalMs) * time.Millisecond,
		MaxPendingBytes: cfg.MaxPendingBytes,
	}, platform)
	if err != nil {
		return nil, err
	}

	return &pipeline{
		cfg:      cfg,
		platform: platform,
		session:  session,
		source:   src,
		health:   health.NewMonitor(),
		texture:  &loopback.Texture{ID: 1},
	}, nil
}

// run initializes the session, runs ingest, render and reporting until ctx
// is cancelled or the source ends, then shuts the session down.
func (p *pipeline) run(ctx context.Context) error {
	if err := p.session.Initialize(decode.SurfaceDescription{
		Width:     p.cfg.Width,
		Height:    p.cfg.Height,
		Format:    decode.PixelFormatPrivate,
		MaxImages: p.cfg.MaxImages,
	}); err != nil {
		return fmt.Errorf("initialize decoder: %w", err)
	}
	ctx = logging.NewContext(ctx, logging.WithSession(log, p.session.ID()))
	logging.FromContext(ctx).Info("pipeline started",
		"platform", p.platform.Name,
		"source", p.source.Name(),
		"renderFps", p.cfg.RenderFPS)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.ingest(gctx) })
	g.Go(func() error { return p.render(gctx) })
	g.Go(func() error {
		r := newReporter(p.session, p.source, p.health, time.Duration(p.cfg.MetricsIntervalSeconds)*time.Second)
		return r.run(gctx)
	})

	err := g.Wait()
	if errors.Is(err, errStreamEnded) || errors.Is(err, context.Canceled) {
		err = nil
	}

	l := logging.FromContext(ctx)
	if serr := p.session.Shutdown(); serr != nil {
		l.Warn("session shutdown reported errors", logging.KeyError, serr)
	}
	st := p.session.Stats()
	l.Info("pipeline stopped",
		"framesRendered", st.FramesRendered,
		"framesConverted", st.FramesConverted,
		"framesDropped", st.FramesDropped,
		"health", string(p.health.Overall()))
	return err
}

func (p *pipeline) ingest(ctx context.Context) error {
	if err := p.source.Run(ctx, p.session); err != nil {
		return fmt.Errorf("%s source: %w", p.source.Name(), err)
	}
	if ctx.Err() != nil {
		return nil
	}
	logging.FromContext(ctx).Info("source finished, draining", "grace", drainGrace)
	select {
	case <-ctx.Done():
	case <-time.After(drainGrace):
	}
	return errStreamEnded
}

func (p *pipeline) render(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(p.cfg.RenderFPS))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.renderFrame(ctx); err != nil {
				return err
			}
		}
	}
}

// renderFrame is one iteration of the render thread.
func (p *pipeline) renderFrame(ctx context.Context) error {
	if _, err := p.session.Display(); err != nil {
		return fmt.Errorf("display: %w", err)
	}
	gc := p.platform.Graphics
	if gc == nil {
		return nil
	}
	if err := p.session.CopyDecodedFrameInto(p.texture, gc); err != nil {
		if errors.Is(err, decode.ErrNotConfigured) {
			return err
		}
		logging.FromContext(ctx).Debug("frame conversion failed", logging.KeyError, err)
	}
	if fc, ok := gc.(frameCompleter); ok {
		fc.CompleteFrame()
	}
	return nil
}
