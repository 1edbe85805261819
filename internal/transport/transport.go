// Package transport wraps a pion PeerConnection for the media viewer: it
// owns transceiver setup, offer/answer plumbing and observer registration.
package transport

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcview/internal/config"
	"github.com/1ureka/rtcview/internal/media"
	"github.com/1ureka/rtcview/internal/util"
)

// Transport is a single PeerConnection used by one viewing session.
//
// It does not drive any state itself; the session registers observers and
// decides what each event means.
type Transport struct {
	pc *webrtc.PeerConnection
}

// New creates a Transport on api with the given ICE servers.
func New(api *webrtc.API, servers []config.ICEServer) (*Transport, error) {
	pc, err := newPeerConnection(api, servers)
	if err != nil {
		return nil, err
	}

	return &Transport{pc: pc}, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Close tears down the PeerConnection. Inbound tracks end with io.EOF.
func (t *Transport) Close() error {
	return t.pc.Close()
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// AddTransceiver adds a sendrecv transceiver of the given kind.
func (t *Transport) AddTransceiver(kind webrtc.RTPCodecType) error {
	_, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	return err
}

// OnTrack registers a callback invoked for every inbound remote track.
func (t *Transport) OnTrack(fn func(media.Track)) {
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		util.LogDebug("remote track %s (%s, %s)", track.ID(), track.Kind(), track.Codec().MimeType)
		fn(track)
	})
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

// SetLocalDescription applies the local SDP and starts candidate gathering.
func (t *Transport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

// LocalDescription returns the local description including every candidate
// gathered so far, or nil before SetLocalDescription.
func (t *Transport) LocalDescription() *webrtc.SessionDescription {
	return t.pc.LocalDescription()
}

// SetRemoteDescription applies the remote SDP.
func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (t *Transport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	t.pc.OnICECandidate(fn)
}

// OnICEConnectionStateChange registers a callback for ICE connection state
// changes.
func (t *Transport) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	t.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		util.LogDebug("ICE connection state: %s", state)
		fn(state)
	})
}

