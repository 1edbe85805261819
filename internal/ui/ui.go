// Package ui implements the viewer's console surface: the activation
// controls (interactive or automatic) and the connection-lost alert.
package ui

import (
	"context"
	"slices"
	"sync"

	"github.com/pterm/pterm"

	"github.com/1ureka/rtcview/internal/app"
	"github.com/1ureka/rtcview/internal/util"
)

// Console presents the controls as an interactive select. Run drives the
// prompt; Present swaps the options shown by the next prompt.
type Console struct {
	mu       sync.Mutex
	controls []app.Control
	changed  chan struct{}
}

// NewConsole creates a console with no controls.
func NewConsole() *Console {
	return &Console{changed: make(chan struct{}, 1)}
}

// Present implements app.Controls.
func (c *Console) Present(_ context.Context, controls []app.Control) {
	c.mu.Lock()
	c.controls = controls
	c.mu.Unlock()

	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// Run prompts for a stream until ctx ends or the prompt fails. Each choice
// activates the stream in the background so the prompt comes back at once.
func (c *Console) Run(ctx context.Context) {
	for ctx.Err() == nil {
		labels := c.labels()
		if len(labels) == 0 {
			select {
			case <-c.changed:
				continue
			case <-ctx.Done():
				return
			}
		}

		choice, err := pterm.DefaultInteractiveSelect.
			WithOptions(labels).
			WithDefaultText("Select a stream to activate").
			Show()
		if err != nil {
			util.LogWarning("stream prompt closed: %v", err)
			return
		}
		pterm.Println()

		ctrl, ok := c.find(choice)
		if !ok {
			util.LogWarning("stream %s is no longer published", choice)
			continue
		}
		go activate(ctx, ctrl)
	}
}

func (c *Console) labels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	labels := make([]string, 0, len(c.controls))
	for _, ctrl := range c.controls {
		labels = append(labels, ctrl.Label)
	}
	return labels
}

// find looks label up in the current set, which may have been replaced
// while the prompt was open.
func (c *Console) find(label string) (app.Control, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ctrl := range c.controls {
		if ctrl.Label == label {
			return ctrl, true
		}
	}
	return app.Control{}, false
}

// Auto activates streams without prompting: the listed identifiers, or
// every stream when All is set. Controls it does not activate are passed on
// to Next when set.
type Auto struct {
	IDs  []string
	All  bool
	Next app.Controls
}

// Present implements app.Controls.
func (a *Auto) Present(ctx context.Context, controls []app.Control) {
	var rest []app.Control
	for _, ctrl := range controls {
		if a.All || slices.Contains(a.IDs, ctrl.Label) {
			go activate(ctx, ctrl)
			continue
		}
		rest = append(rest, ctrl)
	}

	if a.Next != nil {
		a.Next.Present(ctx, rest)
	}
}

func activate(ctx context.Context, ctrl app.Control) {
	util.LogInfo("[%s] activating", ctrl.Label)
	if err := ctrl.Activate(ctx); err != nil {
		util.LogError("[%s] activation failed: %v", ctrl.Label, err)
	}
}

// Alert prints connection-lost alerts as a highlighted box.
type Alert struct{}

// Alert implements app.Alerter.
func (Alert) Alert(msg string) {
	pterm.DefaultBox.
		WithTitle(pterm.LightRed("Connection lost")).
		Println(msg)
}
