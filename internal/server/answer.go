package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcview/internal/protocol"
	"github.com/1ureka/rtcview/internal/util"
)

// gatherTimeout bounds candidate gathering for one answer.
const gatherTimeout = 10 * time.Second

var (
	errUnknownStream = errors.New("unknown stream")
	errBadOffer      = errors.New("bad offer")
)

// answer creates a peer connection carrying the stream's track, applies the
// offer envelope and returns the answer envelope once candidate gathering
// is complete. The connection is torn down when it disconnects or fails.
func (s *Server) answer(ctx context.Context, label, envelope string) (string, error) {
	stream, ok := s.stream(label)
	if !ok {
		return "", fmt.Errorf("%w: %s", errUnknownStream, label)
	}

	offer, err := protocol.Decode(envelope)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errBadOffer, err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return "", fmt.Errorf("%w: got %s", errBadOffer, offer.Type)
	}
	if kinds, err := protocol.MediaKinds(offer); err == nil {
		util.LogDebug("[%s] offer media: %v", label, kinds)
	}

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.iceServers})
	if err != nil {
		return "", fmt.Errorf("failed to create peer connection: %w", err)
	}

	sender, err := pc.AddTrack(stream.Track())
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("failed to add track: %w", err)
	}
	go readRTCP(sender)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[%s] viewer connection state: %s", label, state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			util.LogInfo("[%s] viewer connected (%d watching)", label, stream.Viewers())
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			util.LogInfo("[%s] viewer %s, closing", label, state)
			go func() {
				if err := errors.Join(pc.RemoveTrack(sender), pc.Close()); err != nil {
					util.LogDebug("[%s] viewer teardown: %v", label, err)
				}
			}()
		}
	})

	desc, err := negotiate(ctx, pc, offer)
	if err != nil {
		pc.Close()
		return "", err
	}

	return protocol.Encode(desc)
}

// negotiate applies offer, creates the answer and waits for gathering so
// every candidate is inside the returned description.
func negotiate(ctx context.Context, pc *webrtc.PeerConnection, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %w", errBadOffer, err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-time.After(gatherTimeout):
		return webrtc.SessionDescription{}, errors.New("candidate gathering timed out")
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}

	local := pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errors.New("no local description")
	}
	return *local, nil
}

// readRTCP drains incoming RTCP so the sender's interceptors keep working.
func readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			if _, ok := p.(*rtcp.PictureLossIndication); ok {
				util.LogDebug("viewer requested a keyframe")
			}
		}
	}
}
