package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/rtcview/internal/config"
	"github.com/1ureka/rtcview/internal/media"
	"github.com/1ureka/rtcview/internal/session"
	"github.com/1ureka/rtcview/internal/signaling"
	"github.com/1ureka/rtcview/internal/util"
)

// errStopped is returned by open once Run has returned.
var errStopped = errors.New("negotiator stopped")

// Params wires a Negotiator to its collaborators.
type Params struct {
	Directory Directory
	Dial      Dialer
	Signaler  signaling.Signaler
	Surface   *media.Surface
	Controls  Controls
	Alerter   Alerter

	Recovery      config.Recovery
	GatherTimeout time.Duration
}

// Negotiator owns every session of the viewer. It keeps the stream id →
// session route table; activation controls look sessions up by id, so a
// replaced session is picked up without presenting new controls.
type Negotiator struct {
	p Params

	mu     sync.Mutex
	ctx    context.Context
	routes map[string]*session.Session
	order  []string

	reload  chan struct{}
	stopped bool
}

// New creates a Negotiator. Run starts it.
func New(p Params) *Negotiator {
	if p.Recovery == "" {
		p.Recovery = config.RecoverySession
	}
	return &Negotiator{
		p:      p,
		ctx:    context.Background(),
		routes: make(map[string]*session.Session),
		reload: make(chan struct{}, 1),
	}
}

// Run discovers the streams, opens one session per stream, presents the
// activation controls and then serves recovery until ctx ends. A failed
// discovery is returned as is.
func (n *Negotiator) Run(ctx context.Context) error {
	n.mu.Lock()
	n.ctx = ctx
	n.stopped = false
	n.mu.Unlock()

	defer n.stop()

	for {
		if err := n.discover(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-n.reload:
			util.LogWarning("discarding all sessions and reloading the stream list")
			n.teardown()
		}
	}
}

// Activate starts the session of the given stream. An unprepared idle
// session gets one more Prepare before the activation is retried.
func (n *Negotiator) Activate(ctx context.Context, id string) error {
	s, ok := n.lookup(id)
	if !ok {
		return fmt.Errorf("unknown stream %q", id)
	}

	err := s.Start(ctx)
	if errors.Is(err, session.ErrNotReady) && s.State() == session.StateIdle {
		util.LogWarning("[%s] offer not ready, preparing again", id)
		if err := s.Prepare(); err != nil {
			return err
		}
		err = s.Start(ctx)
	}

	if errors.Is(err, session.ErrAlreadyActivated) {
		util.LogWarning("[%s] already activated", id)
	}
	return err
}

// Sessions returns the current sessions in discovery order.
func (n *Negotiator) Sessions() []*session.Session {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]*session.Session, 0, len(n.order))
	for _, id := range n.order {
		out = append(out, n.routes[id])
	}
	return out
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

// discover lists the streams, creates and prepares one session per stream
// and presents one control per stream.
func (n *Negotiator) discover(ctx context.Context) error {
	ids, err := n.p.Directory.List(ctx)
	if err != nil {
		return err
	}
	util.LogInfo("server publishes %d stream(s): %v", len(ids), ids)

	controls := make([]Control, 0, len(ids))
	for _, id := range ids {
		if _, exists := n.lookup(id); exists {
			util.LogWarning("[%s] duplicate stream identifier, ignored", id)
			continue
		}

		s, err := n.open(id)
		if err != nil {
			util.LogError("[%s] failed to create session: %v", id, err)
			continue
		}
		if err := s.Prepare(); err != nil {
			util.LogError("[%s] %v", id, err)
		}

		controls = append(controls, n.control(id))
	}

	n.p.Controls.Present(ctx, controls)
	return nil
}

func (n *Negotiator) control(id string) Control {
	return Control{
		Label: id,
		Activate: func(ctx context.Context) error {
			return n.Activate(ctx, id)
		},
	}
}

// ---------------------------------------------------------------------------
// Route table
// ---------------------------------------------------------------------------

// open creates a session for id and registers it, replacing any previous
// session for the same id in place.
func (n *Negotiator) open(id string) (*session.Session, error) {
	conn, err := n.p.Dial()
	if err != nil {
		return nil, err
	}

	var s *session.Session
	s, err = session.New(id, conn, n.p.Signaler, session.Options{
		GatherTimeout: n.p.GatherTimeout,
		OnElement:     n.p.Surface.Append,
		OnStateChange: n.onStateChange,
		OnFatal: func(_ string, err error) {
			n.onFatal(s, err)
		},
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		s.Close()
		return nil, errStopped
	}
	if _, exists := n.routes[id]; !exists {
		n.order = append(n.order, id)
	}
	n.routes[id] = s
	n.mu.Unlock()

	util.Stats.AddSession()
	return s, nil
}

func (n *Negotiator) lookup(id string) (*session.Session, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.routes[id]
	return s, ok
}

// current reports whether s is still the registered session for its id.
func (n *Negotiator) current(s *session.Session) bool {
	cur, ok := n.lookup(s.ID())
	return ok && cur == s
}

// stop marks the negotiator as shut down, so sessions opened afterwards are
// closed instead of registered, and tears everything down.
func (n *Negotiator) stop() {
	n.mu.Lock()
	n.stopped = true
	n.mu.Unlock()

	n.teardown()
}

// teardown closes every session, clears the surface and withdraws the
// controls.
func (n *Negotiator) teardown() {
	n.mu.Lock()
	sessions := make([]*session.Session, 0, len(n.order))
	for _, id := range n.order {
		sessions = append(sessions, n.routes[id])
	}
	n.routes = make(map[string]*session.Session)
	n.order = nil
	ctx := n.ctx
	n.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		errs = append(errs, closeSession(s))
	}
	if err := errors.Join(errs...); err != nil {
		util.LogWarning("failed to close sessions: %v", err)
	}

	n.p.Surface.Reset()
	n.p.Controls.Present(ctx, nil)
}

func closeSession(s *session.Session) error {
	if s.State() == session.StateConnected {
		util.Stats.RemoveConnected()
	}
	util.Stats.RemoveSession()
	return s.Close()
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func (n *Negotiator) onStateChange(id string, from, to session.State) {
	switch {
	case to == session.StateConnected:
		util.Stats.AddConnected()
	case from == session.StateConnected:
		util.Stats.RemoveConnected()
	}
}

// onFatal alerts once per fatal transition and applies the recovery policy.
// Events from sessions that were already replaced are dropped.
func (n *Negotiator) onFatal(s *session.Session, err error) {
	if !n.current(s) {
		return
	}

	n.p.Alerter.Alert(fmt.Sprintf("Connection to %s lost: %v", s.ID(), err))

	switch n.p.Recovery {
	case config.RecoveryReload:
		select {
		case n.reload <- struct{}{}:
		default:
		}
	default:
		go n.renegotiate(s)
	}
}

// renegotiate replaces s with a fresh, prepared session for the same stream
// and activates it when s had been activated.
func (n *Negotiator) renegotiate(old *session.Session) {
	if !n.current(old) {
		return
	}

	n.mu.Lock()
	ctx := n.ctx
	n.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	id := old.ID()
	wasActive := old.Activated()
	if err := closeSession(old); err != nil {
		util.LogWarning("[%s] failed to close lost session: %v", id, err)
	}

	s, err := n.open(id)
	if errors.Is(err, errStopped) {
		return
	}
	if err != nil {
		util.LogError("[%s] failed to recreate session: %v", id, err)
		return
	}
	if err := s.Prepare(); err != nil {
		util.LogError("[%s] %v", id, err)
	}
	util.LogInfo("[%s] session renegotiating", id)

	if wasActive && n.current(s) {
		if err := n.Activate(ctx, id); err != nil {
			util.LogError("[%s] reactivation failed: %v", id, err)
		}
	}
}
