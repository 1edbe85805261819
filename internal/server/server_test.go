package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/rtcview/internal/config"
	"github.com/1ureka/rtcview/internal/directory"
	"github.com/1ureka/rtcview/internal/media"
	"github.com/1ureka/rtcview/internal/session"
	"github.com/1ureka/rtcview/internal/signaling"
	"github.com/1ureka/rtcview/internal/transport"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ICEServers = nil
	cfg.Server.Storage = t.TempDir()
	cfg.Server.Streams = []config.StreamConfig{{Label: "Frontdoor"}, {Label: "Garage"}}
	return cfg
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return s, hs
}

func TestStreamsList(t *testing.T) {
	_, hs := newTestServer(t)

	ids, err := directory.New(hs.URL, nil).List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if want := []string{"Frontdoor", "Garage"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("streams = %v, want %v", ids, want)
	}
}

func TestOfferErrors(t *testing.T) {
	_, hs := newTestServer(t)

	testCases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown stream", "/api/streams/Attic", "eyJ0eXBlIjoib2ZmZXIiLCJzZHAiOiJ2PTAifQ==", http.StatusNotFound},
		{"malformed envelope", "/api/streams/Frontdoor", "%%%", http.StatusBadRequest},
		{"answer instead of offer", "/api/streams/Frontdoor", "eyJ0eXBlIjoiYW5zd2VyIiwic2RwIjoidj0wIn0=", http.StatusBadRequest},
		{"offer too large", "/api/streams/Frontdoor", strings.Repeat("A", maxOfferSize+1), http.StatusRequestEntityTooLarge},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := http.Post(hs.URL+tc.path, "text/plain", strings.NewReader(tc.body))
			if err != nil {
				t.Fatal(err)
			}
			defer res.Body.Close()
			if res.StatusCode != tc.status {
				body, _ := io.ReadAll(res.Body)
				t.Errorf("status = %d (%s), want %d", res.StatusCode, body, tc.status)
			}
		})
	}
}

func TestOfferMethodNotAllowed(t *testing.T) {
	_, hs := newTestServer(t)

	res, err := http.Get(hs.URL + "/api/streams/Frontdoor")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", res.StatusCode)
	}
}

func TestWSUnknownStream(t *testing.T) {
	_, hs := newTestServer(t)

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/api/streams/Attic/ws"
	_, res, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		t.Errorf("handshake response = %+v", res)
	}
}

func TestVideos(t *testing.T) {
	s, hs := newTestServer(t)

	for name, content := range map[string]string{
		"Frontdoor-20240501.ivf": "front-1",
		"Frontdoor-20240502.ivf": "front-2",
		"Garage-20240501.ivf":    "garage",
	} {
		if err := os.WriteFile(filepath.Join(s.storage, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	c := directory.New(hs.URL, nil)
	files, err := c.Videos(context.Background(), "Frontdoor")
	if err != nil {
		t.Fatalf("Videos: %v", err)
	}
	want := []directory.VideoFile{{FileName: "Frontdoor-20240501.ivf"}, {FileName: "Frontdoor-20240502.ivf"}}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("Videos = %+v, want %+v", files, want)
	}

	var buf strings.Builder
	if _, err := c.Fetch(context.Background(), "Frontdoor", "Frontdoor-20240502.ivf", &buf); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if buf.String() != "front-2" {
		t.Errorf("Fetch = %q", buf.String())
	}

	for _, name := range []string{"Garage-20240501.ivf", "missing-Frontdoor.ivf"} {
		res, err := http.Get(hs.URL + "/api/videos/Frontdoor/" + name)
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", name, res.StatusCode)
		}
	}
}

func TestVideosMissingStorage(t *testing.T) {
	s, hs := newTestServer(t)
	s.storage = filepath.Join(s.storage, "does-not-exist")

	res, err := http.Get(hs.URL + "/api/videos/Frontdoor")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	var files []directory.VideoFile
	if err := json.NewDecoder(res.Body).Decode(&files); err != nil {
		t.Fatal(err)
	}
	if files == nil || len(files) != 0 {
		t.Errorf("files = %#v, want empty list", files)
	}
}

func TestStreamRunWithoutSource(t *testing.T) {
	st, err := NewStream("Frontdoor", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Run(context.Background()); err != nil {
		t.Errorf("Run: %v", err)
	}
	if err := st.WriteSample(pionmedia.Sample{Data: []byte{0}, Duration: time.Millisecond}); err != nil {
		t.Errorf("WriteSample without viewers: %v", err)
	}
}

func TestStreamRunBadSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ivf")
	os.WriteFile(path, []byte("not an ivf file at all, too short?"), 0o644)

	st, _ := NewStream("Frontdoor", path)
	if err := st.Run(context.Background()); err == nil {
		t.Error("expected error for invalid IVF")
	}

	st, _ = NewStream("Frontdoor", filepath.Join(t.TempDir(), "missing.ivf"))
	if err := st.Run(context.Background()); err == nil {
		t.Error("expected error for missing IVF")
	}
}

// TestViewerEndToEnd negotiates a real viewer session against the server
// over loopback and waits for the video element.
func TestViewerEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback ICE in -short mode")
	}

	s, hs := newTestServer(t)

	api, err := transport.NewAPI(transport.APIOptions{LoopbackCandidates: true})
	if err != nil {
		t.Fatal(err)
	}
	tr, err := transport.New(api, nil)
	if err != nil {
		t.Fatal(err)
	}

	connected := make(chan struct{})
	elements := make(chan media.Element, 4)
	sess, err := session.New("Frontdoor", tr, signaling.NewHTTP(hs.URL, nil, 10*time.Second), session.Options{
		GatherTimeout: 10 * time.Second,
		OnElement:     func(el media.Element) { elements <- el },
		OnStateChange: func(_ string, _, to session.State) {
			if to == session.StateConnected {
				close(connected)
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	if err := sess.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-connected:
	case <-ctx.Done():
		t.Fatal("viewer never connected")
	}

	// Feed dummy samples until the track reaches the viewer.
	frontdoor := s.Streams()[0]
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case el := <-elements:
			if el.Kind != media.KindVideo || el.Session != "Frontdoor" {
				t.Errorf("element = %+v", el)
			}
			return
		case <-ticker.C:
			frontdoor.WriteSample(pionmedia.Sample{Data: []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}, Duration: 20 * time.Millisecond})
		case <-ctx.Done():
			t.Fatal("no video element received")
		}
	}
}
