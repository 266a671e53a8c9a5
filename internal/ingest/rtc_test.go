package ingest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/breeze-rmm/viewer/internal/decode"
)

func TestRTCReceiverAnswersH264Offer(t *testing.T) {
	offerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("offerer: %v", err)
	}
	defer offerer.Close()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		"video", "desktop",
	)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if _, err := offerer.AddTrack(track); err != nil {
		t.Fatalf("add track: %v", err)
	}

	offer, err := offerer.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gather := webrtc.GatheringCompletePromise(offerer)
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local: %v", err)
	}
	<-gather

	r, err := NewRTCReceiver(RTCOptions{})
	if err != nil {
		t.Fatalf("NewRTCReceiver: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	answer, err := r.Answer(ctx, offerer.LocalDescription().SDP)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !strings.Contains(answer, "H264") {
		t.Fatalf("answer does not negotiate H264:\n%s", answer)
	}
	if !strings.Contains(answer, "a=recvonly") {
		t.Fatalf("answer is not recvonly:\n%s", answer)
	}
}

func TestRTCReceiverRejectsGarbageOffer(t *testing.T) {
	r, err := NewRTCReceiver(RTCOptions{})
	if err != nil {
		t.Fatalf("NewRTCReceiver: %v", err)
	}
	defer r.Close()

	if _, err := r.Answer(context.Background(), "not sdp"); err == nil {
		t.Fatal("expected error for malformed offer")
	}
}

func TestRTCRunStopsOnCancelBeforeTrack(t *testing.T) {
	r, err := NewRTCReceiver(RTCOptions{})
	if err != nil {
		t.Fatalf("NewRTCReceiver: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx, newRecordingSink()); err != nil {
		t.Fatalf("Run err = %v, want nil", err)
	}
}

func TestDeliverSampleSplitsAccessUnit(t *testing.T) {
	r := &RTCReceiver{}
	sink := newRecordingSink()
	au := []byte{
		0, 0, 0, 1, 0x67, 0x42, 0x00,
		0, 0, 0, 1, 0x68, 0xce,
		0, 0, 0, 1, 0x65, 0x88, 0x80,
		0, 0, 0, 1, 0x65, 0x88, 0x81,
	}

	lost, err := r.deliverSample(sink, au, 1000)
	if err != nil {
		t.Fatalf("deliverSample: %v", err)
	}
	if lost {
		t.Fatal("lost = true with a healthy sink")
	}

	got := sink.payloads()
	if len(got) != 4 {
		t.Fatalf("payloads = %d, want 4", len(got))
	}
	if got[0].kind != decode.KindSPS || got[1].kind != decode.KindPPS {
		t.Fatalf("config kinds = %v %v", got[0].kind, got[1].kind)
	}
	if got[2].last || !got[3].last {
		t.Fatal("only the final slice should be last")
	}
	if st := r.Stats(); st.AccessUnits != 1 || st.Frames != 4 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDeliverSampleReportsDrops(t *testing.T) {
	r := &RTCReceiver{}
	sink := newRecordingSink()
	sink.failAt = 1
	sink.failWith = decode.ErrQueueFull

	au := []byte{0, 0, 0, 1, 0x65, 0x01, 0, 0, 0, 1, 0x65, 0x02}
	lost, err := r.deliverSample(sink, au, 0)
	if err != nil {
		t.Fatalf("deliverSample: %v", err)
	}
	if !lost {
		t.Fatal("lost = false, want true after a queue-full drop")
	}
}
