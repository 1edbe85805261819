// Package session implements the offer/answer negotiation for one stream.
//
// A session owns one peer connection. It prepares a local offer with a video
// and an audio transceiver, waits for candidate gathering to finish (no
// trickle ICE: candidates travel inside the description), exchanges the
// offer for an answer once activated, and then follows the ICE connection
// state. Inbound tracks become media elements, one per (stream, kind).
package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcview/internal/media"
	"github.com/1ureka/rtcview/internal/protocol"
	"github.com/1ureka/rtcview/internal/signaling"
	"github.com/1ureka/rtcview/internal/util"
)

// Conn is the peer connection a session drives. *transport.Transport
// satisfies it.
type Conn interface {
	AddTransceiver(kind webrtc.RTPCodecType) error
	CreateOffer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	SetRemoteDescription(desc webrtc.SessionDescription) error
	OnICECandidate(fn func(*webrtc.ICECandidate))
	OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState))
	OnTrack(fn func(media.Track))
	Close() error
}

// Options configures the owner's view of a session.
type Options struct {
	// GatherTimeout bounds how long Start waits for candidate gathering.
	// Zero waits until ctx ends.
	GatherTimeout time.Duration

	// OnElement receives every new media element.
	OnElement func(media.Element)

	// OnStateChange is called after every transition.
	OnStateChange func(id string, from, to State)

	// OnFatal is called at most once, when the session reaches a terminal
	// state. err wraps ErrConnectionLost.
	OnFatal func(id string, err error)
}

type elementKey struct {
	stream string
	kind   media.Kind
}

// Session negotiates and monitors the connection for one stream identifier.
type Session struct {
	id       string
	conn     Conn
	signaler signaling.Signaler
	opts     Options

	prepareMu sync.Mutex

	mu        sync.Mutex
	state     State
	activated bool
	closed    bool
	remote    *webrtc.SessionDescription
	elements  map[elementKey]bool

	gathered   chan struct{}
	gatherOnce sync.Once
	done       chan struct{}
}

// New builds a session on conn. Observers are registered before anything
// else, then a video and an audio transceiver are added, both sendrecv.
func New(id string, conn Conn, signaler signaling.Signaler, opts Options) (*Session, error) {
	s := &Session{
		id:       id,
		conn:     conn,
		signaler: signaler,
		opts:     opts,
		state:    StateIdle,
		elements: make(map[elementKey]bool),
		gathered: make(chan struct{}),
		done:     make(chan struct{}),
	}

	conn.OnTrack(s.handleTrack)
	conn.OnICECandidate(s.handleCandidate)
	conn.OnICEConnectionStateChange(s.handleICEState)

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if err := conn.AddTransceiver(kind); err != nil {
			return nil, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}

	return s, nil
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// ID returns the stream identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Activated reports whether an activation is in progress or has completed.
func (s *Session) Activated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activated
}

// LocalDescription returns the local description with the candidates
// gathered so far, or nil before Prepare.
func (s *Session) LocalDescription() *webrtc.SessionDescription {
	return s.conn.LocalDescription()
}

// RemoteDescription returns the applied answer, or nil.
func (s *Session) RemoteDescription() *webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Prepare creates the local offer and applies it, which starts candidate
// gathering. On failure the session returns to StateIdle and Prepare may be
// called again. Calling Prepare on a prepared session is a no-op.
func (s *Session) Prepare() error {
	s.prepareMu.Lock()
	defer s.prepareMu.Unlock()

	if s.State() != StateIdle {
		return nil
	}

	offer, err := s.conn.CreateOffer()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOfferCreationFailed, err)
	}
	s.transition(StateOfferCreated)

	if kinds, err := protocol.MediaKinds(offer); err != nil {
		util.LogWarning("[%s] offer does not parse: %v", s.id, err)
	} else if !slices.Contains(kinds, "video") || !slices.Contains(kinds, "audio") {
		util.LogWarning("[%s] offer declares media %v, want video and audio", s.id, kinds)
	}

	if err := s.conn.SetLocalDescription(offer); err != nil {
		s.transition(StateIdle)
		return fmt.Errorf("%w: %w", ErrOfferCreationFailed, err)
	}
	s.transition(StateOfferLocalDescriptionSet)

	return nil
}

// Start activates the session: it waits for candidate gathering, posts the
// final local description and applies the answer. A session is activated at
// most once.
//
//   - Before the offer is applied it returns ErrNotReady.
//   - While gathering it blocks; on timeout it returns ErrGatherTimeout and
//     the session may be activated again.
//   - Once the exchange has begun further calls return ErrAlreadyActivated.
//
// Exchange and answer failures leave the session in StateNegotiating without
// a remote description.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.state < StateOfferLocalDescriptionSet:
		s.mu.Unlock()
		return ErrNotReady
	case s.activated:
		s.mu.Unlock()
		return ErrAlreadyActivated
	}
	s.activated = true
	s.mu.Unlock()

	if err := s.waitGathered(ctx); err != nil {
		s.mu.Lock()
		s.activated = false
		s.mu.Unlock()
		return err
	}

	s.transition(StateNegotiating)

	local := s.conn.LocalDescription()
	if local == nil {
		return fmt.Errorf("%w: no local description", ErrOfferCreationFailed)
	}
	if n, err := protocol.CandidateCount(*local); err == nil {
		util.LogDebug("[%s] posting offer with %d candidates", s.id, n)
	}

	envelope, err := protocol.Encode(*local)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOfferCreationFailed, err)
	}

	reply, err := s.signaler.Exchange(ctx, s.id, envelope)
	if err != nil {
		util.LogError("[%s] signaling exchange failed: %v", s.id, err)
		return fmt.Errorf("%w: %w", ErrSignalingExchangeFailed, err)
	}

	if err := s.applyAnswer(reply); err != nil {
		util.LogError("[%s] %v", s.id, err)
		return err
	}

	util.LogInfo("[%s] answer applied, waiting for ICE", s.id)
	return nil
}

// Close tears down the connection. Inbound tracks end and a pending Start
// returns ErrClosed. No fatal event is reported after Close.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	return s.conn.Close()
}

// waitGathered blocks until the end-of-candidates signal, the gather
// timeout, ctx cancellation or Close.
func (s *Session) waitGathered(ctx context.Context) error {
	var timeout <-chan time.Time
	if s.opts.GatherTimeout > 0 {
		timer := time.NewTimer(s.opts.GatherTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-s.gathered:
		return nil
	case <-timeout:
		util.LogWarning("[%s] candidate gathering did not complete within %s", s.id, s.opts.GatherTimeout)
		return ErrGatherTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// applyAnswer decodes, validates and applies the answer envelope.
func (s *Session) applyAnswer(reply string) error {
	answer, err := protocol.Decode(reply)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRemoteDescriptionInvalid, err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: got %s, want answer", ErrRemoteDescriptionInvalid, answer.Type)
	}
	if _, err := protocol.Parse(answer); err != nil {
		return fmt.Errorf("%w: %w", ErrRemoteDescriptionInvalid, err)
	}
	if err := s.conn.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: %w", ErrRemoteDescriptionInvalid, err)
	}

	s.mu.Lock()
	s.remote = &answer
	s.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Observers
// ---------------------------------------------------------------------------

// handleCandidate logs gathered candidates. A nil candidate marks gathering
// complete; the local description is final from then on.
func (s *Session) handleCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		s.gatherOnce.Do(func() {
			util.LogDebug("[%s] candidate gathering complete", s.id)
			close(s.gathered)
		})
		return
	}
	util.LogDebug("[%s] local candidate %s", s.id, c.String())
}

// handleICEState maps ICE connection states onto session states. Loss is
// only meaningful once negotiation has begun.
func (s *Session) handleICEState(state webrtc.ICEConnectionState) {
	util.LogDebug("[%s] ICE connection state: %s", s.id, state)

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		s.mu.Lock()
		ok := !s.closed && s.state == StateNegotiating
		s.mu.Unlock()
		if ok {
			s.transition(StateConnected)
			util.LogSuccess("[%s] connected", s.id)
		}

	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
		to := StateDisconnected
		if state == webrtc.ICEConnectionStateFailed {
			to = StateFailed
		}

		s.mu.Lock()
		if s.closed || s.state < StateNegotiating || s.state.Terminal() {
			s.mu.Unlock()
			return
		}
		from := s.state
		s.state = to
		s.mu.Unlock()

		s.notify(from, to)
		util.LogError("[%s] connection %s", s.id, to)
		if s.opts.OnFatal != nil {
			s.opts.OnFatal(s.id, fmt.Errorf("%w: ICE %s", ErrConnectionLost, state))
		}
	}
}

// handleTrack turns the first track of every (stream, kind) pair into a
// media element. Later duplicates are ignored.
func (s *Session) handleTrack(track media.Track) {
	kind := media.KindOf(track.Kind())
	key := elementKey{stream: track.StreamID(), kind: kind}

	s.mu.Lock()
	if s.closed || s.elements[key] {
		s.mu.Unlock()
		util.LogDebug("[%s] ignoring duplicate %s track for stream %s", s.id, kind, track.StreamID())
		return
	}
	s.elements[key] = true
	s.mu.Unlock()

	if s.opts.OnElement != nil {
		s.opts.OnElement(media.Element{
			Session:  s.id,
			StreamID: track.StreamID(),
			Kind:     kind,
			Autoplay: true,
			Controls: true,
			Track:    track,
		})
	}
}

// transition moves to state to and notifies the owner. Terminal states are
// never left.
func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.state
	if from.Terminal() || from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	s.notify(from, to)
}

func (s *Session) notify(from, to State) {
	util.LogDebug("[%s] %s -> %s", s.id, from, to)
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(s.id, from, to)
	}
}
