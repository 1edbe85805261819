package transport

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcview/internal/config"
	"github.com/1ureka/rtcview/internal/util"
)

// APIOptions tunes the pion API shared by every peer connection of a process.
type APIOptions struct {
	// LoopbackCandidates gathers 127.0.0.1 candidates as well. Needed when
	// viewer and server run on the same host without any other interface.
	LoopbackCandidates bool
}

// NewAPI builds a pion API with the default codecs, the default interceptors
// (NACK, RTCP reports, TWCC) plus a periodic PLI sender so inbound video
// recovers keyframes, and pion's logs routed through pterm.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("failed to create PLI interceptor: %w", err)
	}
	registry.Add(pli)

	s := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory{}}
	s.SetIncludeLoopbackCandidate(opts.LoopbackCandidates)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(s),
	), nil
}

// ICEServers converts configured STUN/TURN entries to pion's form.
func ICEServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		entry := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			entry.Credential = s.Credential
		}
		out = append(out, entry)
	}
	return out
}

// newPeerConnection creates a PeerConnection on api configured with servers.
func newPeerConnection(api *webrtc.API, servers []config.ICEServer) (*webrtc.PeerConnection, error) {
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: ICEServers(servers),
	})
}
