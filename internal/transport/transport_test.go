package transport

import (
	"reflect"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcview/internal/config"
	"github.com/1ureka/rtcview/internal/protocol"
)

func TestICEServers(t *testing.T) {
	in := []config.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "viewer", Credential: "secret"},
	}

	out := ICEServers(in)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if !reflect.DeepEqual(out[0].URLs, in[0].URLs) {
		t.Errorf("URLs = %v", out[0].URLs)
	}
	if out[1].Username != "viewer" || out[1].Credential != "secret" {
		t.Errorf("TURN entry = %+v", out[1])
	}
}

func TestOfferCarriesVideoThenAudio(t *testing.T) {
	api, err := NewAPI(APIOptions{})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}

	tr, err := New(api, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Close()

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if err := tr.AddTransceiver(kind); err != nil {
			t.Fatalf("AddTransceiver(%s): %v", kind, err)
		}
	}

	offer, err := tr.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		t.Errorf("Type = %s, want offer", offer.Type)
	}

	kinds, err := protocol.MediaKinds(offer)
	if err != nil {
		t.Fatalf("MediaKinds: %v", err)
	}
	if want := []string{"video", "audio"}; !reflect.DeepEqual(kinds, want) {
		t.Errorf("media kinds = %v, want %v", kinds, want)
	}

	if tr.LocalDescription() != nil {
		t.Error("LocalDescription should be nil before SetLocalDescription")
	}
}
