// Package protocol defines the signaling envelope exchanged with the stream
// server: a session description serialized as JSON and then base64-encoded.
//
// The encoding must match the browser client byte for byte, i.e.
// btoa(JSON.stringify(pc.localDescription)): standard alphabet with padding,
// no HTML escaping, fields in "type", "sdp" order.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// ErrMalformedEnvelope is returned by Decode for payloads that are not a
// base64-encoded JSON session description.
var ErrMalformedEnvelope = errors.New("malformed signaling envelope")

// Encode serializes a session description into a signaling envelope.
func Encode(desc webrtc.SessionDescription) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(desc); err != nil {
		return "", fmt.Errorf("failed to marshal session description: %w", err)
	}

	// json.Encoder terminates every value with a newline; JSON.stringify does not.
	data := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode deserializes a signaling envelope. Surrounding whitespace (e.g. a
// trailing newline in an HTTP body) is ignored.
func Decode(envelope string) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription

	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envelope))
	if err != nil {
		return desc, fmt.Errorf("%w: invalid base64: %v", ErrMalformedEnvelope, err)
	}

	if err := json.Unmarshal(data, &desc); err != nil {
		return desc, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedEnvelope, err)
	}

	if desc.Type == webrtc.SDPTypeUnknown {
		return desc, fmt.Errorf("%w: unknown description type", ErrMalformedEnvelope)
	}
	if desc.SDP == "" {
		return desc, fmt.Errorf("%w: empty sdp", ErrMalformedEnvelope)
	}

	return desc, nil
}

// Parse parses the SDP body of desc.
func Parse(desc webrtc.SessionDescription) (*sdp.SessionDescription, error) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return nil, fmt.Errorf("invalid sdp: %w", err)
	}
	return parsed, nil
}

// MediaKinds returns the media type of every m-line in desc, in order
// (e.g. ["video", "audio"]).
func MediaKinds(desc webrtc.SessionDescription) ([]string, error) {
	parsed, err := Parse(desc)
	if err != nil {
		return nil, err
	}

	kinds := make([]string, 0, len(parsed.MediaDescriptions))
	for _, m := range parsed.MediaDescriptions {
		kinds = append(kinds, m.MediaName.Media)
	}
	return kinds, nil
}

// CandidateCount returns the number of a=candidate lines embedded in desc.
// A vanilla-ICE description carries all of them.
func CandidateCount(desc webrtc.SessionDescription) (int, error) {
	parsed, err := Parse(desc)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, m := range parsed.MediaDescriptions {
		for _, a := range m.Attributes {
			if a.Key == sdp.AttrKeyCandidate {
				n++
			}
		}
	}
	return n, nil
}
