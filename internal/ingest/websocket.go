package ingest

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/viewer/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = MaxPayloadSize + 64*1024
)

// WebSocketOptions configures a WebSocketSource.
type WebSocketOptions struct {
	Header             http.Header
	InsecureSkipVerify bool
	// InitialBackoff and MaxBackoff override the reconnect delays.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// WebSocketSource reads framed payloads from binary WebSocket messages. A
// message may carry several frames. Text messages are ignored.
type WebSocketSource struct {
	url  string
	opts WebSocketOptions
	c    counters
}

func NewWebSocketSource(url string, opts WebSocketOptions) *WebSocketSource {
	return &WebSocketSource{url: url, opts: opts}
}

func (s *WebSocketSource) Name() string { return "websocket" }

func (s *WebSocketSource) Stats() Stats { return s.c.snapshot() }

// Run reconnects with backoff until ctx is cancelled or the sink reports it
// is no longer configured.
func (s *WebSocketSource) Run(ctx context.Context, sink Sink) error {
	b := newBackoff(s.opts.InitialBackoff, s.opts.MaxBackoff)
	return runWithBackoff(ctx, s.Name(), b, func(ctx context.Context, connected func()) error {
		return s.session(ctx, sink, connected)
	})
}

func (s *WebSocketSource) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if s.opts.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	conn, _, err := dialer.DialContext(ctx, s.url, s.opts.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

func (s *WebSocketSource) session(ctx context.Context, sink Sink, connected func()) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	connected()
	s.c.connects.Add(1)
	log.Info("connected", "server", s.url)

	done := make(chan struct{})
	defer close(done)
	go s.keepalive(ctx, conn, done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("server closed stream")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		frames, perr := ParseFrames(message)
		for _, f := range frames {
			if _, err := s.c.deliver(sink, f); err != nil {
				s.close(conn)
				return err
			}
		}
		if perr != nil {
			log.Warn("malformed message", "bytes", len(message), logging.KeyError, perr)
		}
	}
}

// keepalive pings the server and closes the connection when ctx ends so a
// blocked ReadMessage returns.
func (s *WebSocketSource) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			conn.Close()
			return
		case <-ctx.Done():
			s.close(conn)
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug("ping failed", logging.KeyError, err)
				conn.Close()
				return
			}
		}
	}
}

func (s *WebSocketSource) close(conn *websocket.Conn) {
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	conn.Close()
}
