package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/viewer/internal/decode"
)

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
}

func encodeFrames(t *testing.T, frames ...Frame) []byte {
	t.Helper()
	var msg []byte
	for _, f := range frames {
		var err error
		if msg, err = AppendFrame(msg, f); err != nil {
			t.Fatalf("AppendFrame: %v", err)
		}
	}
	return msg
}

func TestWebSocketSourceDeliversFrames(t *testing.T) {
	msg1 := encodeFrames(t,
		Frame{Kind: decode.KindVPS, Data: []byte{0x40, 0x01}},
		Frame{Kind: decode.KindSPS, Data: []byte{0x42, 0x01}},
	)
	msg2 := encodeFrames(t,
		Frame{Kind: decode.KindSlice, Data: []byte{0x26, 0x01, 0x01}},
		Frame{Kind: decode.KindSlice, Last: true, Data: []byte{0x26, 0x01, 0x02}},
	)

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`))
		conn.WriteMessage(websocket.BinaryMessage, msg1)
		conn.WriteMessage(websocket.BinaryMessage, msg2)
		<-release
	}))
	defer srv.Close()
	defer close(release)

	src := NewWebSocketSource(wsURL(srv), WebSocketOptions{})
	sink := newRecordingSink()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, sink) }()

	got := sink.waitFor(t, 4)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantKinds := []decode.PayloadKind{decode.KindVPS, decode.KindSPS, decode.KindSlice, decode.KindSlice}
	for i, r := range got[:4] {
		if r.kind != wantKinds[i] {
			t.Fatalf("payload %d kind = %v, want %v", i, r.kind, wantKinds[i])
		}
	}
	if !got[3].last || got[2].last {
		t.Fatal("last flag not carried through")
	}

	st := src.Stats()
	if st.Connects != 1 || st.Frames != 4 || st.AccessUnits != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestWebSocketSourceReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		msg, _ := AppendFrame(nil, Frame{Kind: decode.KindSlice, Last: true, PTS: int64(n), Data: []byte{byte(n)}})
		conn.WriteMessage(websocket.BinaryMessage, msg)
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		conn.Close()
	}))
	defer srv.Close()

	src := NewWebSocketSource(wsURL(srv), WebSocketOptions{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	})
	sink := newRecordingSink()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, sink) }()

	sink.waitFor(t, 2)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c := src.Stats().Connects; c < 2 {
		t.Fatalf("Connects = %d, want >= 2", c)
	}
}

func TestWebSocketSourceStopsWhenSinkUnconfigured(t *testing.T) {
	msg := encodeFrames(t,
		Frame{Kind: decode.KindSlice, Data: []byte{1}},
		Frame{Kind: decode.KindSlice, Last: true, Data: []byte{2}},
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.BinaryMessage, msg)
		conn.ReadMessage()
	}))
	defer srv.Close()

	sink := newRecordingSink()
	sink.failAt = 0
	sink.failWith = decode.ErrNotConfigured

	src := NewWebSocketSource(wsURL(srv), WebSocketOptions{InitialBackoff: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := src.Run(ctx, sink)
	if !errors.Is(err, decode.ErrNotConfigured) {
		t.Fatalf("Run err = %v, want ErrNotConfigured", err)
	}
	if n := len(sink.payloads()); n != 1 {
		t.Fatalf("payloads after terminal error = %d, want 1", n)
	}
}
