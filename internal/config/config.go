// Package config holds the viewer and development-server configuration.
//
// Configuration starts from Default(), is optionally merged with a YAML file
// (LoadFile) and is finally overridden by command-line flags in cmd/.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SignalingKind selects the transport used for the offer/answer exchange.
type SignalingKind string

const (
	SignalingHTTP      SignalingKind = "http"
	SignalingWebSocket SignalingKind = "websocket"
)

// Recovery selects what happens when a session's connection is lost.
type Recovery string

const (
	// RecoverySession tears down and renegotiates only the failed session.
	RecoverySession Recovery = "session"
	// RecoveryReload discards every session and reruns stream discovery.
	RecoveryReload Recovery = "reload"
)

// DefaultSTUNServer is the discovery server used when none is configured.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// ICEServer is one STUN/TURN entry handed to the peer connection.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Config stores all viewer parameters.
type Config struct {
	// ServerURL is the base URL of the signaling server (scheme + host).
	ServerURL string `yaml:"server_url"`

	// ICEServers is the list of STUN/TURN servers used while gathering.
	ICEServers []ICEServer `yaml:"ice_servers"`

	Signaling SignalingKind `yaml:"signaling"`
	Recovery  Recovery      `yaml:"recovery"`

	// GatherTimeout bounds the wait for ICE gathering completion before an
	// activation gives up. Zero waits forever.
	GatherTimeout time.Duration `yaml:"gather_timeout"`

	// ExchangeTimeout bounds a single signaling exchange. Zero waits forever.
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"`

	// RecordDir receives one file per inbound track. Empty drains tracks.
	RecordDir string `yaml:"record_dir"`

	// Start lists stream identifiers activated without prompting.
	Start []string `yaml:"start"`

	// StartAll activates every discovered stream without prompting.
	StartAll bool `yaml:"start_all"`

	// LoopbackCandidates makes the viewer gather 127.0.0.1 candidates.
	LoopbackCandidates bool `yaml:"loopback_candidates"`

	Debug bool `yaml:"debug"`

	Server ServerConfig `yaml:"server"`
}

// ServerConfig configures the development signaling server.
type ServerConfig struct {
	Listen  string         `yaml:"listen"`
	Storage string         `yaml:"storage"`
	Streams []StreamConfig `yaml:"streams"`

	// LoopbackCandidates includes 127.0.0.1 candidates in answers, which
	// same-machine viewers need.
	LoopbackCandidates bool `yaml:"loopback_candidates"`
}

// StreamConfig names one published stream and its optional IVF source.
type StreamConfig struct {
	Label string `yaml:"label"`
	IVF   string `yaml:"ivf,omitempty"`
}

// Default returns the configuration used before any file or flag is applied.
func Default() *Config {
	return &Config{
		ServerURL:       "http://127.0.0.1:8000",
		ICEServers:      []ICEServer{{URLs: []string{DefaultSTUNServer}}},
		Signaling:       SignalingHTTP,
		Recovery:        RecoverySession,
		GatherTimeout:   15 * time.Second,
		ExchangeTimeout: 30 * time.Second,
		Server: ServerConfig{
			Listen:             "127.0.0.1:8000",
			Storage:            "videos",
			Streams:            []StreamConfig{{Label: "Frontdoor"}},
			LoopbackCandidates: true,
		},
	}
}

// LoadFile merges the YAML file at path into Default().
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("invalid server_url %q: want http(s)://host[:port]", c.ServerURL))
	}

	if len(c.ICEServers) == 0 {
		errs = append(errs, errors.New("ice_servers: at least one STUN server is required"))
	}
	for i, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			errs = append(errs, fmt.Errorf("ice_servers[%d]: no urls", i))
		}
		for _, raw := range s.URLs {
			if !strings.HasPrefix(raw, "stun:") && !strings.HasPrefix(raw, "stuns:") &&
				!strings.HasPrefix(raw, "turn:") && !strings.HasPrefix(raw, "turns:") {
				errs = append(errs, fmt.Errorf("ice_servers[%d]: unsupported url %q", i, raw))
			}
		}
	}

	switch c.Signaling {
	case SignalingHTTP, SignalingWebSocket:
	default:
		errs = append(errs, fmt.Errorf("invalid signaling %q: must be 'http' or 'websocket'", c.Signaling))
	}

	switch c.Recovery {
	case RecoverySession, RecoveryReload:
	default:
		errs = append(errs, fmt.Errorf("invalid recovery %q: must be 'session' or 'reload'", c.Recovery))
	}

	if c.GatherTimeout < 0 {
		errs = append(errs, errors.New("gather_timeout must not be negative"))
	}
	if c.ExchangeTimeout < 0 {
		errs = append(errs, errors.New("exchange_timeout must not be negative"))
	}

	return errors.Join(errs...)
}

// ValidateServer checks the development-server section.
func (c *Config) ValidateServer() error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}

	seen := make(map[string]bool)
	for i, s := range c.Server.Streams {
		switch {
		case s.Label == "":
			errs = append(errs, fmt.Errorf("server.streams[%d]: empty label", i))
		case strings.ContainsAny(s.Label, "/?#"):
			errs = append(errs, fmt.Errorf("server.streams[%d]: label %q contains a reserved character", i, s.Label))
		case seen[s.Label]:
			errs = append(errs, fmt.Errorf("server.streams[%d]: duplicate label %q", i, s.Label))
		}
		seen[s.Label] = true
	}

	return errors.Join(errs...)
}

// SetSTUNServers replaces the ICE server list with one entry per URL, as
// given on the command line.
func (c *Config) SetSTUNServers(urls []string) {
	c.ICEServers = c.ICEServers[:0]
	for _, u := range urls {
		c.ICEServers = append(c.ICEServers, ICEServer{URLs: []string{u}})
	}
}
