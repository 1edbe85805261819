// Package media holds the rendering surface that inbound tracks are attached
// to, plus the sinks that consume them (recording to disk or draining).
package media

import (
	"context"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcview/internal/util"
)

// Kind tags an element as audio or video.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// KindOf maps a pion codec type to a Kind.
func KindOf(t webrtc.RTPCodecType) Kind {
	if t == webrtc.RTPCodecTypeAudio {
		return KindAudio
	}
	return KindVideo
}

// Track is the read side of an inbound media track. *webrtc.TrackRemote
// satisfies it.
type Track interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Element is one renderable media element: exactly one exists per distinct
// (stream, kind) received by a session.
type Element struct {
	Session  string // stream identifier of the owning session
	StreamID string // remote media stream id
	Kind     Kind
	Autoplay bool
	Controls bool
	Track    Track
}

// Sink consumes an element's track until it ends or ctx is cancelled.
type Sink interface {
	Play(ctx context.Context, el Element) error
}

// Surface is the shared, append-only rendering surface every session adds
// its elements to. Elements with Autoplay set start playing immediately.
type Surface struct {
	sink Sink

	mu       sync.Mutex
	elements []Element
	gen      *generation
	wg       sync.WaitGroup
}

// generation scopes the playbacks started between two resets.
type generation struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newGeneration() *generation {
	ctx, cancel := context.WithCancel(context.Background())
	return &generation{ctx: ctx, cancel: cancel}
}

// NewSurface creates an empty surface that plays elements into sink.
func NewSurface(sink Sink) *Surface {
	return &Surface{sink: sink, gen: newGeneration()}
}

// Append adds el to the surface and starts playback when requested.
func (s *Surface) Append(el Element) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.elements = append(s.elements, el)
	util.LogInfo("[%s] %s element added (stream %s)", el.Session, el.Kind, el.StreamID)

	if !el.Autoplay {
		return
	}

	ctx := s.gen.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sink.Play(ctx, el); err != nil {
			util.LogWarning("[%s] %s playback stopped: %v", el.Session, el.Kind, err)
		}
	}()
}

// Elements returns a snapshot of the surface in insertion order.
func (s *Surface) Elements() []Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Element, len(s.elements))
	copy(out, s.elements)
	return out
}

// Reset clears the surface and cancels every running playback. Playbacks
// return once their track ends, which happens when the owning session is
// torn down.
func (s *Surface) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen.cancel()
	s.gen = newGeneration()
	s.elements = nil
}

// Close cancels every playback and waits for them to return.
func (s *Surface) Close() {
	s.mu.Lock()
	s.gen.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}
