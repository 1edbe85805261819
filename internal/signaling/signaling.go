// Package signaling carries a session's offer envelope to the stream server
// and returns the answer envelope. Each exchange is one request and one
// response; ICE candidates travel inside the descriptions.
package signaling

import (
	"context"
	"strings"
	"time"

	"github.com/1ureka/rtcview/internal/config"
)

// Signaler performs a single offer/answer exchange for a stream.
type Signaler interface {
	Exchange(ctx context.Context, streamID, offer string) (answer string, err error)
}

// New returns the Signaler selected by cfg.Signaling.
func New(cfg *config.Config) Signaler {
	if cfg.Signaling == config.SignalingWebSocket {
		return NewWS(cfg.ServerURL, cfg.ExchangeTimeout)
	}
	return NewHTTP(cfg.ServerURL, nil, cfg.ExchangeTimeout)
}

// withTimeout bounds ctx by d unless d is zero.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func trimBase(base string) string {
	return strings.TrimRight(base, "/")
}
