// Package app contains the top-level orchestration of the viewer: stream
// discovery, one negotiating session per stream, activation controls and
// recovery from lost connections.
package app

import (
	"context"

	"github.com/1ureka/rtcview/internal/session"
)

// Directory lists the streams the server publishes, in server order.
type Directory interface {
	List(ctx context.Context) ([]string, error)
}

// Dialer creates the peer connection for a new session.
type Dialer func() (session.Conn, error)

// Control is one activation control, labeled with the stream identifier.
type Control struct {
	Label    string
	Activate func(ctx context.Context) error
}

// Controls presents activation controls. Every call replaces the previous
// set; a nil set withdraws all controls.
type Controls interface {
	Present(ctx context.Context, controls []Control)
}

// Alerter notifies the user of a lost connection.
type Alerter interface {
	Alert(msg string)
}
