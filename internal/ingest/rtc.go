package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	"github.com/breeze-rmm/viewer/internal/decode"
	"github.com/breeze-rmm/viewer/internal/logging"
)

const (
	iceGatherTimeout = 20 * time.Second
	trackWaitTimeout = 30 * time.Second
	pliInterval      = 500 * time.Millisecond

	// maxLatePackets is how many packets the sample builder holds while
	// waiting for a gap to fill before it gives up on a frame.
	maxLatePackets = 256
	h264ClockRate  = 90000
)

var ErrPeerFailed = errors.New("ingest: peer connection failed")

// RTCOptions configures an RTCReceiver.
type RTCOptions struct {
	ICEServers []string
}

// RTCReceiver is a receive-only WebRTC peer that depacketizes an H.264 track
// into access units. The render host sends the offer; Answer must complete
// before Run.
type RTCReceiver struct {
	pc *webrtc.PeerConnection
	c  counters

	tracks   chan *webrtc.TrackRemote
	failed   chan struct{}
	failOnce sync.Once

	lastPLI time.Time
}

func NewRTCReceiver(opts RTCOptions) (*RTCReceiver, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   h264ClockRate,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 102,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("failed to register h264: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry))

	var config webrtc.Configuration
	if len(opts.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add transceiver: %w", err)
	}

	r := &RTCReceiver{
		pc:     pc,
		tracks: make(chan *webrtc.TrackRemote, 1),
		failed: make(chan struct{}),
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		log.Info("remote track", "mime", track.Codec().MimeType, "ssrc", uint32(track.SSRC()))
		select {
		case r.tracks <- track:
		default:
			log.Warn("ignoring additional video track", "ssrc", uint32(track.SSRC()))
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			r.failOnce.Do(func() { close(r.failed) })
		}
	})

	return r, nil
}

func (r *RTCReceiver) Name() string { return "webrtc" }

func (r *RTCReceiver) Stats() Stats { return r.c.snapshot() }

// Answer applies the remote offer and returns the local answer once ICE
// gathering has finished, so the answer carries every candidate.
func (r *RTCReceiver) Answer(ctx context.Context, offer string) (string, error) {
	if err := r.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	}); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := r.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(r.pc)
	if err := r.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	timer := time.NewTimer(iceGatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		return "", fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	ld := r.pc.LocalDescription()
	if ld == nil {
		return "", errors.New("local description not available")
	}
	return ld.SDP, nil
}

// Run waits for the remote video track and feeds it to sink until ctx is
// cancelled or the peer connection fails. The peer is closed on return.
func (r *RTCReceiver) Run(ctx context.Context, sink Sink) error {
	defer r.Close()

	var track *webrtc.TrackRemote
	timer := time.NewTimer(trackWaitTimeout)
	defer timer.Stop()
	select {
	case track = <-r.tracks:
	case <-r.failed:
		return ErrPeerFailed
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return fmt.Errorf("no video track after %s", trackWaitTimeout)
	}
	r.c.connects.Add(1)

	stop := context.AfterFunc(ctx, func() { r.Close() })
	defer stop()

	ssrc := uint32(track.SSRC())
	r.requestKeyframe(ssrc)

	sb := samplebuilder.New(maxLatePackets, &codecs.H264Packet{}, h264ClockRate)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			select {
			case <-r.failed:
				return ErrPeerFailed
			default:
			}
			return fmt.Errorf("read rtp: %w", err)
		}

		sb.Push(pkt)
		for s := sb.Pop(); s != nil; s = sb.Pop() {
			pts := int64(s.PacketTimestamp) * 1_000_000 / h264ClockRate
			needKeyframe, err := r.deliverSample(sink, s.Data, pts)
			if err != nil {
				return err
			}
			if needKeyframe || s.PrevDroppedPackets > 0 {
				r.requestKeyframe(ssrc)
			}
		}
	}
}

// deliverSample splits one depacketized access unit and delivers it. It
// reports whether any part was dropped, after which the decoder needs a
// keyframe to recover.
func (r *RTCReceiver) deliverSample(sink Sink, au []byte, pts int64) (bool, error) {
	lost := false
	for _, f := range FramesFromAccessUnit(decode.CodecH264, au, pts) {
		dropped, err := r.c.deliver(sink, f)
		if err != nil {
			return lost, err
		}
		lost = lost || dropped
	}
	return lost, nil
}

func (r *RTCReceiver) requestKeyframe(ssrc uint32) {
	if time.Since(r.lastPLI) < pliInterval {
		return
	}
	r.lastPLI = time.Now()
	if err := r.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
		log.Debug("failed to send PLI", logging.KeyError, err)
	}
}

// Close tears down the peer connection.
func (r *RTCReceiver) Close() error {
	return r.pc.Close()
}
