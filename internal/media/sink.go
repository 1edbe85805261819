package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/1ureka/rtcview/internal/util"
)

// Discard reads and drops every packet. pion needs inbound tracks to be read
// for its interceptors (NACK, receiver reports) to keep working.
type Discard struct{}

// Play implements Sink.
func (Discard) Play(ctx context.Context, el Element) error {
	return drain(ctx, el.Track, nil)
}

// Recorder writes VP8 video to IVF files and Opus audio to Ogg files under
// Dir, one file per element. Other codecs are drained.
type Recorder struct {
	Dir string
	Now func() time.Time // defaults to time.Now
}

// rtpWriter is the common surface of ivfwriter and oggwriter.
type rtpWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// Play implements Sink.
func (r Recorder) Play(ctx context.Context, el Element) error {
	codec := el.Track.Codec()

	w, path, err := r.open(el, codec)
	if err != nil {
		return err
	}
	if w == nil {
		util.LogWarning("[%s] no recorder for codec %q, draining %s track", el.Session, codec.MimeType, el.Kind)
		return drain(ctx, el.Track, nil)
	}

	util.LogInfo("[%s] recording %s to %s", el.Session, el.Kind, path)
	err = drain(ctx, el.Track, w)
	return errors.Join(err, w.Close())
}

// open creates the writer matching codec, or returns a nil writer when the
// codec has no container here.
func (r Recorder) open(el Element, codec webrtc.RTPCodecParameters) (rtpWriter, string, error) {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create record dir: %w", err)
	}

	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8):
		path := r.path(el, "ivf")
		w, err := ivfwriter.New(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create %s: %w", path, err)
		}
		return w, path, nil

	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		path := r.path(el, "ogg")
		w, err := oggwriter.New(path, codec.ClockRate, channels)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create %s: %w", path, err)
		}
		return w, path, nil
	}

	return nil, "", nil
}

// path builds <dir>/<session>-<kind>-<timestamp>.<ext>.
func (r Recorder) path(el Element, ext string) string {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(el.Session)
	return filepath.Join(r.Dir, fmt.Sprintf("%s-%s-%s.%s", name, el.Kind, now().Format("20060102-150405"), ext))
}

// drain reads track until it ends or ctx is cancelled, handing every packet
// to w when w is non-nil.
func drain(ctx context.Context, track Track, w rtpWriter) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		util.Stats.AddPacket(len(pkt.Payload))

		if w != nil {
			if err := w.WriteRTP(pkt); err != nil {
				return fmt.Errorf("failed to write packet: %w", err)
			}
		}
	}
}
