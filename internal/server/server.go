// Package server is a development stream server speaking the same API as
// the camera server: it lists streams, answers offers with a pion peer per
// viewer and serves the recorded clips of a storage directory.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcview/internal/config"
	"github.com/1ureka/rtcview/internal/transport"
	"github.com/1ureka/rtcview/internal/util"
)

// maxOfferSize caps the offer body accepted from a viewer.
const maxOfferSize = 1 << 20

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server serves the stream API.
type Server struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	storage    string

	mu      sync.Mutex
	streams map[string]*Stream
	order   []string

	listener net.Listener
	http     *http.Server
}

// New creates a server for the streams configured in cfg.Server.
func New(cfg *config.Config) (*Server, error) {
	api, err := transport.NewAPI(transport.APIOptions{
		LoopbackCandidates: cfg.Server.LoopbackCandidates,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		api:        api,
		iceServers: transport.ICEServers(cfg.ICEServers),
		storage:    cfg.Server.Storage,
		streams:    make(map[string]*Stream),
	}

	for _, sc := range cfg.Server.Streams {
		stream, err := NewStream(sc.Label, sc.IVF)
		if err != nil {
			return nil, err
		}
		s.streams[sc.Label] = stream
		s.order = append(s.order, sc.Label)
	}

	return s, nil
}

// Streams returns the published streams in configuration order.
func (s *Server) Streams() []*Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Stream, 0, len(s.order))
	for _, label := range s.order {
		out = append(out, s.streams[label])
	}
	return out
}

func (s *Server) stream(label string) (*Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[label]
	return st, ok
}

// Handler returns the HTTP routes of the stream API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/streams", s.handleStreams).Methods(http.MethodGet)
	api.HandleFunc("/streams/{label}", s.handleOffer).Methods(http.MethodPost)
	api.HandleFunc("/streams/{label}/ws", s.handleWS).Methods(http.MethodGet)
	api.HandleFunc("/videos/{label}", s.handleVideos).Methods(http.MethodGet)
	api.HandleFunc("/videos/{label}/{file}", s.handleVideo).Methods(http.MethodGet)
	return r
}

// Start listens on addr and serves in the background. It returns the bound
// address, which differs from addr when addr asks for port 0.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	s.http = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("server stopped: %v", err)
		}
	}()

	return listener.Addr().String(), nil
}

// Close shuts the HTTP server down.
func (s *Server) Close() error {
	if s.http == nil {
		return nil
	}
	return s.http.Close()
}

// RunSources feeds every stream from its IVF source until ctx ends.
func (s *Server) RunSources(ctx context.Context) {
	var wg sync.WaitGroup
	for _, st := range s.Streams() {
		if st.IVF == "" {
			continue
		}
		wg.Add(1)
		go func(st *Stream) {
			defer wg.Done()
			util.LogInfo("[%s] streaming %s", st.Label, st.IVF)
			if err := st.Run(ctx); err != nil {
				util.LogError("[%s] source stopped: %v", st.Label, err)
			}
		}(st)
	}
	wg.Wait()
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	labels := append([]string{}, s.order...)
	s.mu.Unlock()

	writeJSON(w, labels)
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	label := mux.Vars(r)["label"]

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOfferSize))
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		http.Error(w, fmt.Sprintf("offer too large (over %d bytes)", maxOfferSize), http.StatusRequestEntityTooLarge)
		return
	case err != nil:
		http.Error(w, "failed to read offer", http.StatusBadRequest)
		return
	}

	answer, err := s.answer(r.Context(), label, string(body))
	if err != nil {
		writeAnswerError(w, label, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, answer)
}

// handleWS reads one offer frame and replies with one answer frame.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	label := mux.Vars(r)["label"]
	if _, ok := s.stream(label); !ok {
		http.Error(w, "unknown stream", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	typ, data, err := conn.ReadMessage()
	if err != nil || typ != websocket.TextMessage {
		util.LogWarning("[%s] no offer frame received: %v", label, err)
		return
	}

	answer, err := s.answer(r.Context(), label, string(data))
	if err != nil {
		util.LogWarning("[%s] failed to answer: %v", label, err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseUnsupportedData, truncate(err.Error(), 120)))
		return
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(answer)); err != nil {
		util.LogWarning("[%s] failed to send answer: %v", label, err)
		return
	}

	// Wait for the viewer to close.
	conn.ReadMessage()
}

func writeAnswerError(w http.ResponseWriter, label string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errUnknownStream):
		status = http.StatusNotFound
	case errors.Is(err, errBadOffer):
		status = http.StatusBadRequest
	}
	util.LogWarning("[%s] failed to answer: %v", label, err)
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		util.LogWarning("failed to write response: %v", err)
	}
}

// truncate keeps close reasons within the control frame limit.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n])
}
