package ingest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/breeze-rmm/viewer/internal/logging"
)

// QUICProtocol is the ALPN token both ends negotiate.
const QUICProtocol = "breeze-video"

const quicErrMalformed quic.StreamErrorCode = 1

// QUICOptions configures a QUICSource.
type QUICOptions struct {
	TLSConfig      *tls.Config
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// QUICSource reads framed payloads from server-initiated unidirectional
// streams. Streams are consumed one at a time in accept order, so a render
// host should open one stream per access unit or keep a single long stream.
type QUICSource struct {
	addr string
	opts QUICOptions
	c    counters
}

func NewQUICSource(addr string, opts QUICOptions) *QUICSource {
	if opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{NextProtos: []string{QUICProtocol}}
	}
	return &QUICSource{addr: addr, opts: opts}
}

func (s *QUICSource) Name() string { return "quic" }

func (s *QUICSource) Stats() Stats { return s.c.snapshot() }

func (s *QUICSource) Run(ctx context.Context, sink Sink) error {
	b := newBackoff(s.opts.InitialBackoff, s.opts.MaxBackoff)
	return runWithBackoff(ctx, s.Name(), b, func(ctx context.Context, connected func()) error {
		return s.session(ctx, sink, connected)
	})
}

func (s *QUICSource) session(ctx context.Context, sink Sink, connected func()) error {
	conn, err := quic.DialAddr(ctx, s.addr, s.opts.TLSConfig, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	connected()
	s.c.connects.Add(1)
	log.Info("connected", "server", s.addr)

	stop := context.AfterFunc(ctx, func() { conn.CloseWithError(0, "viewer stopped") })
	defer stop()

	for {
		str, err := conn.AcceptUniStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var appErr *quic.ApplicationError
			if errors.As(err, &appErr) && appErr.ErrorCode == 0 {
				log.Info("server closed connection", "reason", appErr.ErrorMessage)
				return nil
			}
			return fmt.Errorf("accept stream: %w", err)
		}

		if err := s.readStream(ctx, sink, str); err != nil {
			if ctx.Err() == nil {
				conn.CloseWithError(0, "sink closed")
			}
			return err
		}
	}
}

// readStream delivers every frame on one stream. A malformed stream is
// abandoned; only sink errors are returned.
func (s *QUICSource) readStream(ctx context.Context, sink Sink, str quic.ReceiveStream) error {
	for {
		f, err := ReadFrame(str)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, io.EOF) {
				log.Warn("abandoning stream", "stream", str.StreamID(), logging.KeyError, err)
				str.CancelRead(quicErrMalformed)
			}
			return nil
		}
		if _, err := s.c.deliver(sink, f); err != nil {
			return err
		}
	}
}
