package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"github.com/1ureka/rtcview/internal/util"
)

// Stream is one published camera: a shared VP8 track every viewer's peer
// connection is bound to, optionally fed from an IVF file.
type Stream struct {
	Label string
	IVF   string

	track   *webrtc.TrackLocalStaticSample
	viewers atomic.Int64
}

// NewStream creates a stream with a fresh VP8 track.
func NewStream(label, ivf string) (*Stream, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", label,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create track for %s: %w", label, err)
	}
	return &Stream{Label: label, IVF: ivf, track: track}, nil
}

// Track returns the local track viewers are bound to. Binding and unbinding
// through it keeps the viewer count.
func (s *Stream) Track() webrtc.TrackLocal {
	return &countingTrack{TrackLocalStaticSample: s.track, stream: s}
}

// Viewers returns the number of peer connections bound to the stream.
func (s *Stream) Viewers() int64 {
	return s.viewers.Load()
}

// WriteSample sends one media sample to every bound viewer.
func (s *Stream) WriteSample(sample media.Sample) error {
	return s.track.WriteSample(sample)
}

// Run feeds the IVF file into the track at its frame rate, starting over at
// the end of the file, until ctx ends. It returns at once for streams
// without a source.
func (s *Stream) Run(ctx context.Context) error {
	if s.IVF == "" {
		return nil
	}

	for {
		if err := s.playOnce(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		util.LogDebug("[%s] source looped", s.Label)
	}
}

func (s *Stream) playOnce(ctx context.Context) error {
	f, err := os.Open(s.IVF)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer f.Close()

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("failed to read IVF header of %s: %w", s.IVF, err)
	}
	if header.TimebaseDenominator == 0 {
		return fmt.Errorf("invalid IVF timebase in %s", s.IVF)
	}

	frameDuration := time.Duration(float64(time.Second) *
		float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read frame: %w", err)
		}

		if err := s.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return fmt.Errorf("failed to write sample: %w", err)
		}
	}
}

// countingTrack counts the peer connections bound to a stream.
type countingTrack struct {
	*webrtc.TrackLocalStaticSample
	stream *Stream
}

func (t *countingTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	codec, err := t.TrackLocalStaticSample.Bind(ctx)
	if err == nil {
		n := t.stream.viewers.Add(1)
		util.LogDebug("[%s] viewer bound, %d total", t.stream.Label, n)
	}
	return codec, err
}

func (t *countingTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	err := t.TrackLocalStaticSample.Unbind(ctx)
	if err == nil {
		n := t.stream.viewers.Add(-1)
		util.LogDebug("[%s] viewer unbound, %d total", t.stream.Label, n)
	}
	return err
}
