package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcview/internal/config"
	"github.com/1ureka/rtcview/internal/directory"
	"github.com/1ureka/rtcview/internal/media"
	"github.com/1ureka/rtcview/internal/protocol"
	"github.com/1ureka/rtcview/internal/session"
	"github.com/1ureka/rtcview/internal/signaling"
)

const offerSDP = "v=0\r\n" +
	"o=- 1 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=mid:1\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

const answerSDP = "v=0\r\n" +
	"o=- 9 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

// fakeConn completes candidate gathering as soon as the local description
// is applied.
type fakeConn struct {
	mu          sync.Mutex
	remote      *webrtc.SessionDescription
	local       *webrtc.SessionDescription
	closed      bool
	onCandidate func(*webrtc.ICECandidate)
	onState     func(webrtc.ICEConnectionState)
}

func (f *fakeConn) AddTransceiver(webrtc.RTPCodecType) error { return nil }

func (f *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}, nil
}

func (f *fakeConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	f.local = &desc
	f.mu.Unlock()
	f.onCandidate(nil)
	return nil
}

func (f *fakeConn) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = &desc
	return nil
}

func (f *fakeConn) OnICECandidate(fn func(*webrtc.ICECandidate))                  { f.onCandidate = fn }
func (f *fakeConn) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) { f.onState = fn }
func (f *fakeConn) OnTrack(fn func(media.Track))                                  {}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// dialer hands out fakeConns and remembers them. When gate is set, every
// dial from the holdFrom-th on announces itself on entered and waits for
// gate to close.
type dialer struct {
	mu    sync.Mutex
	conns []*fakeConn

	holdFrom int
	gate     chan struct{}
	entered  chan struct{}
	dials    int
}

func (d *dialer) dial() (session.Conn, error) {
	d.mu.Lock()
	hold := d.gate != nil && d.dials >= d.holdFrom
	d.dials++
	d.mu.Unlock()

	if hold {
		d.entered <- struct{}{}
		<-d.gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *dialer) get(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *dialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type staticDirectory struct {
	mu    sync.Mutex
	ids   []string
	err   error
	calls int
}

func (d *staticDirectory) List(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.ids, d.err
}

func (d *staticDirectory) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// controlRecorder publishes every presented control set on a channel.
type controlRecorder struct {
	sets chan []Control
}

func newControlRecorder() *controlRecorder {
	return &controlRecorder{sets: make(chan []Control, 16)}
}

func (c *controlRecorder) Present(_ context.Context, controls []Control) {
	c.sets <- controls
}

// next returns the next non-empty control set.
func (c *controlRecorder) next(t *testing.T) []Control {
	t.Helper()
	for {
		select {
		case set := <-c.sets:
			if len(set) > 0 {
				return set
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no controls presented")
			return nil
		}
	}
}

type alertCounter struct {
	mu   sync.Mutex
	msgs []string
}

func (a *alertCounter) Alert(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
}

func (a *alertCounter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

type answeringSignaler struct{}

func (answeringSignaler) Exchange(context.Context, string, string) (string, error) {
	return protocol.Encode(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP})
}

type harness struct {
	n        *Negotiator
	dir      *staticDirectory
	dial     *dialer
	controls *controlRecorder
	alerts   *alertCounter
	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
}

// stop cancels Run and waits for it to return.
func (h *harness) stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		<-h.done
	})
}

func startHarness(t *testing.T, ids []string, recovery config.Recovery) *harness {
	t.Helper()
	return startHarnessWith(t, ids, recovery, &dialer{})
}

func startHarnessWith(t *testing.T, ids []string, recovery config.Recovery, d *dialer) *harness {
	t.Helper()
	h := &harness{
		dir:      &staticDirectory{ids: ids},
		dial:     d,
		controls: newControlRecorder(),
		alerts:   &alertCounter{},
		done:     make(chan error, 1),
	}
	surface := media.NewSurface(media.Discard{})
	t.Cleanup(surface.Close)

	h.n = New(Params{
		Directory:     h.dir,
		Dial:          h.dial.dial,
		Signaler:      answeringSignaler{},
		Surface:       surface,
		Controls:      h.controls,
		Alerter:       h.alerts,
		Recovery:      recovery,
		GatherTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.n.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOneSessionAndControlPerStream(t *testing.T) {
	ids := []string{"Frontdoor", "Garage", "Backyard"}
	h := startHarness(t, ids, config.RecoverySession)

	controls := h.controls.next(t)
	if len(controls) != len(ids) {
		t.Fatalf("controls = %d, want %d", len(controls), len(ids))
	}
	for i, c := range controls {
		if c.Label != ids[i] {
			t.Errorf("control %d label = %q, want %q", i, c.Label, ids[i])
		}
	}

	sessions := h.n.Sessions()
	if len(sessions) != len(ids) {
		t.Fatalf("sessions = %d, want %d", len(sessions), len(ids))
	}
	for i, s := range sessions {
		if s.ID() != ids[i] {
			t.Errorf("session %d = %q, want %q", i, s.ID(), ids[i])
		}
		if s.State() != session.StateOfferLocalDescriptionSet {
			t.Errorf("session %s state = %s, want prepared", s.ID(), s.State())
		}
	}
}

func TestDuplicateIdentifiersIgnored(t *testing.T) {
	h := startHarness(t, []string{"Frontdoor", "Frontdoor"}, config.RecoverySession)
	if controls := h.controls.next(t); len(controls) != 1 {
		t.Fatalf("controls = %d, want 1", len(controls))
	}
	if h.dial.count() != 1 {
		t.Errorf("dialed %d connections, want 1", h.dial.count())
	}
}

func TestDirectoryFailureEndsRun(t *testing.T) {
	dir := &staticDirectory{err: directory.ErrDirectoryUnavailable}
	surface := media.NewSurface(media.Discard{})
	defer surface.Close()

	n := New(Params{
		Directory: dir,
		Dial:      (&dialer{}).dial,
		Signaler:  answeringSignaler{},
		Surface:   surface,
		Controls:  newControlRecorder(),
		Alerter:   &alertCounter{},
	})
	if err := n.Run(context.Background()); !errors.Is(err, directory.ErrDirectoryUnavailable) {
		t.Fatalf("Run error = %v, want ErrDirectoryUnavailable", err)
	}
}

func TestActivateThroughControl(t *testing.T) {
	h := startHarness(t, []string{"Frontdoor", "Garage"}, config.RecoverySession)
	controls := h.controls.next(t)

	if err := controls[1].Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	sessions := h.n.Sessions()
	if !sessions[1].Activated() || sessions[1].State() != session.StateNegotiating {
		t.Errorf("Garage activated=%v state=%s", sessions[1].Activated(), sessions[1].State())
	}
	if sessions[0].Activated() {
		t.Error("Frontdoor activated by Garage control")
	}

	if err := controls[1].Activate(context.Background()); !errors.Is(err, session.ErrAlreadyActivated) {
		t.Errorf("second Activate = %v, want ErrAlreadyActivated", err)
	}
	if err := h.n.Activate(context.Background(), "Attic"); err == nil {
		t.Error("expected error for unknown stream")
	}
}

func TestSessionRecovery(t *testing.T) {
	h := startHarness(t, []string{"Frontdoor", "Garage"}, config.RecoverySession)
	controls := h.controls.next(t)
	if err := controls[0].Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	old := h.n.Sessions()[0]
	oldConn := h.dial.get(0)
	oldConn.onState(webrtc.ICEConnectionStateConnected)
	oldConn.onState(webrtc.ICEConnectionStateFailed)

	waitFor(t, "replacement session", func() bool {
		s := h.n.Sessions()[0]
		return s != old && s.State() == session.StateNegotiating
	})

	if h.alerts.count() != 1 {
		t.Errorf("alerts = %d, want 1", h.alerts.count())
	}
	if !oldConn.isClosed() {
		t.Error("lost session not closed")
	}
	if h.dir.callCount() != 1 {
		t.Errorf("directory listed %d times, want 1", h.dir.callCount())
	}
	if h.n.Sessions()[1].State() != session.StateOfferLocalDescriptionSet {
		t.Error("unaffected session was touched")
	}

	// The original control now drives the replacement.
	if err := controls[0].Activate(context.Background()); !errors.Is(err, session.ErrAlreadyActivated) {
		t.Errorf("Activate on replacement = %v, want ErrAlreadyActivated", err)
	}
}

func TestRecoveryAfterShutdownClosesReplacement(t *testing.T) {
	d := &dialer{holdFrom: 1, gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	h := startHarnessWith(t, []string{"Frontdoor"}, config.RecoverySession, d)
	controls := h.controls.next(t)
	if err := controls[0].Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.dial.get(0).onState(webrtc.ICEConnectionStateFailed)
	select {
	case <-d.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement was never dialed")
	}

	// Run returns while the replacement is still being dialed.
	h.stop()
	close(d.gate)

	waitFor(t, "replacement conn closed", func() bool {
		return h.dial.count() == 2 && h.dial.get(1).isClosed()
	})
	if n := len(h.n.Sessions()); n != 0 {
		t.Errorf("sessions after Run returned = %d, want 0", n)
	}
	if !h.dial.get(0).isClosed() {
		t.Error("lost session not closed")
	}
}

func TestReloadRecovery(t *testing.T) {
	h := startHarness(t, []string{"Frontdoor", "Garage"}, config.RecoveryReload)
	controls := h.controls.next(t)

	for _, c := range controls {
		if err := c.Activate(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	// A lost session alerts once, even when ICE keeps reporting.
	h.dial.get(0).onState(webrtc.ICEConnectionStateDisconnected)
	h.dial.get(0).onState(webrtc.ICEConnectionStateFailed)

	reloaded := h.controls.next(t)
	if len(reloaded) != 2 {
		t.Fatalf("controls after reload = %d, want 2", len(reloaded))
	}

	if h.alerts.count() != 1 {
		t.Errorf("alerts = %d, want 1", h.alerts.count())
	}
	if !h.dial.get(0).isClosed() || !h.dial.get(1).isClosed() {
		t.Error("sessions not torn down on reload")
	}
	if h.dir.callCount() < 2 {
		t.Errorf("directory listed %d times, want a second discovery", h.dir.callCount())
	}
	for _, s := range h.n.Sessions() {
		if s.Activated() {
			t.Errorf("session %s activated after reload", s.ID())
		}
	}
}

// TestFrontdoorOverHTTP runs discovery and activation against an HTTP
// server speaking the real directory and signaling API.
func TestFrontdoorOverHTTP(t *testing.T) {
	posted := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/streams":
			w.Write([]byte(`["Frontdoor"]`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/streams/Frontdoor":
			body, _ := io.ReadAll(r.Body)
			posted <- string(body)
			answer, _ := protocol.Encode(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP})
			w.Write([]byte(answer))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	surface := media.NewSurface(media.Discard{})
	defer surface.Close()
	dial := &dialer{}
	controls := newControlRecorder()

	n := New(Params{
		Directory: directory.New(srv.URL, nil),
		Dial:      dial.dial,
		Signaler:  signaling.NewHTTP(srv.URL, nil, time.Second),
		Surface:   surface,
		Controls:  controls,
		Alerter:   &alertCounter{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	set := controls.next(t)
	if len(set) != 1 || set[0].Label != "Frontdoor" {
		t.Fatalf("controls = %+v", set)
	}
	if err := set[0].Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	offer, err := protocol.Decode(<-posted)
	if err != nil || offer.Type != webrtc.SDPTypeOffer {
		t.Fatalf("posted offer = %+v, %v", offer, err)
	}
	if r := n.Sessions()[0].RemoteDescription(); r == nil || r.Type != webrtc.SDPTypeAnswer {
		t.Errorf("remote description = %+v", r)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
	if !dial.get(0).isClosed() {
		t.Error("session not closed on shutdown")
	}
}
