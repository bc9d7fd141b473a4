// Package monitor serves the local operator page and its API.
package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/png" // PNG uploads
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aflt-toolscan/kit-verifier/internal/geometry"
	"github.com/aflt-toolscan/kit-verifier/internal/logger"
	"github.com/aflt-toolscan/kit-verifier/internal/metrics"
	"github.com/aflt-toolscan/kit-verifier/internal/overlay"
	"github.com/aflt-toolscan/kit-verifier/internal/session"
	"github.com/aflt-toolscan/kit-verifier/internal/workflow"
)

// Server serves the operator monitor endpoints.
type Server struct {
	cfg     Config
	ctl     Controller
	metrics *metrics.Metrics
	monitor *Monitor
	status  *StatusBroadcaster
	frames  *FrameBroadcaster
	log     logger.Module

	renderMu  sync.Mutex
	renderKey renderKey
	rendered  []byte
}

type renderKey struct {
	seq        uint64
	captured   time.Time
	eventFrame int
	eventAt    time.Time
}

// NewServer returns a configured monitor server with its broadcasters running.
func NewServer(cfg Config, ctl Controller, m *metrics.Metrics) *Server {
	def := DefaultConfig()
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.MJPEGInterval <= 0 {
		cfg.MJPEGInterval = def.MJPEGInterval
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = def.MaxUploadBytes
	}

	s := &Server{
		cfg:     cfg,
		ctl:     ctl,
		metrics: m,
		monitor: NewMonitor(cfg.HistorySize),
		log:     logger.For("Monitor"),
	}
	s.status = NewStatusBroadcaster(s.statusPayload, cfg.StatusInterval)
	s.frames = NewFrameBroadcaster(s.renderFrame, cfg.MJPEGInterval)

	ctl.OnUpdate(func() {
		s.monitor.Observe(ctl.Status())
		s.status.Publish()
	})

	s.status.Start()
	s.frames.Start()
	return s
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/stream", s.handleStream)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/status/stream", s.handleStatusStream)
	r.Get("/api/overlays", s.handleOverlays)

	r.Post("/api/finish", s.handleAction(s.ctl.Finish))
	r.Post("/api/cancel", s.handleAction(s.ctl.Cancel))
	r.Post("/api/retry", s.handleAction(s.ctl.Retry))
	r.Post("/api/confirm", s.handleConfirm)
	r.Post("/api/frames", s.handleFrameUpload)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// Close stops the broadcasters and disconnects streaming clients
func (s *Server) Close() {
	s.status.Stop()
	s.frames.Stop()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.frames.Subscribe()
	defer s.frames.Unsubscribe(id)
	streamMJPEGFromChannel(w, frameCh)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.statusPayload())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamStatusEventsFromChannel(w, r, eventCh, useProtobuf)
}

// handleOverlays maps the current boxes to the caller's viewport size.
func (s *Server) handleOverlays(w http.ResponseWriter, r *http.Request) {
	width, errW := strconv.ParseFloat(r.URL.Query().Get("width"), 64)
	height, errH := strconv.ParseFloat(r.URL.Query().Get("height"), 64)
	if errW != nil || errH != nil || width <= 0 || height <= 0 {
		writeJSONWithStatus(w, errorResponse{Error: "width and height must be positive numbers"}, http.StatusBadRequest)
		return
	}

	mirror := s.cfg.Mirror
	if v := r.URL.Query().Get("mirror"); v != "" {
		mirror = v == "1" || v == "true"
	}

	overlays := geometry.Overlays(s.ctl.Snapshot(), width, height, mirror)
	out := make([]map[string]any, len(overlays))
	for i, ov := range overlays {
		out[i] = map[string]any{
			"class":       ov.Class,
			"probability": ov.Probability,
			"polygon":     ov.Polygon,
			"color":       fmt.Sprintf("#%02x%02x%02x", ov.Color.R, ov.Color.G, ov.Color.B),
		}
	}
	writeJSON(w, map[string]any{"width": width, "height": height, "mirror": mirror, "overlays": out})
}

func (s *Server) handleAction(action func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := action(); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, s.ctl.Status())
	}
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeJSONWithStatus(w, errorResponse{Error: "Invalid request body"}, http.StatusBadRequest)
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSONWithStatus(w, errorResponse{Error: "Invalid request body"}, http.StatusBadRequest)
			return
		}
	}

	if err := s.ctl.Confirm(r.Context(), req.Comment); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, s.ctl.Status())
}

// handleFrameUpload accepts a JPEG or PNG either as the raw body or as the
// "image" field of a multipart form.
func (s *Server) handleFrameUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	var src io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("image")
		if err != nil {
			writeJSONWithStatus(w, errorResponse{Error: "Missing image field"}, http.StatusBadRequest)
			return
		}
		defer file.Close()
		src = file
	}

	img, format, err := image.Decode(src)
	if err != nil {
		writeJSONWithStatus(w, errorResponse{Error: "Unsupported or corrupt image"}, http.StatusBadRequest)
		return
	}
	s.log.Debug("Uploaded %s frame %dx%d", format, img.Bounds().Dx(), img.Bounds().Dy())

	if err := s.ctl.SubmitImage(r.Context(), img); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSONWithStatus(w, s.ctl.Status(), http.StatusAccepted)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var failure *workflow.Failure
	switch {
	case errors.As(err, &failure):
		writeJSONWithStatus(w, errorResponse{Error: failure.Message, Kind: failure.Kind.String()}, http.StatusBadGateway)
	case errors.Is(err, workflow.ErrCommentRequired):
		writeJSONWithStatus(w, errorResponse{Error: err.Error(), Kind: "comment_required"}, http.StatusUnprocessableEntity)
	case errors.Is(err, workflow.ErrDecisionChanged):
		writeJSONWithStatus(w, errorResponse{Error: err.Error(), Kind: "decision_changed"}, http.StatusConflict)
	case errors.Is(err, workflow.ErrInvalidTransition):
		writeJSONWithStatus(w, errorResponse{Error: err.Error(), Kind: "invalid_transition"}, http.StatusConflict)
	case errors.Is(err, session.ErrTornDown), errors.Is(err, session.ErrNotStarted):
		writeJSONWithStatus(w, errorResponse{Error: err.Error(), Kind: "session_closed"}, http.StatusConflict)
	default:
		s.log.Warn("Request failed: %v", err)
		writeJSONWithStatus(w, errorResponse{Error: err.Error()}, http.StatusInternalServerError)
	}
}

func (s *Server) statusPayload() any {
	stats, history := s.monitor.Snapshot()
	stats.StatusClients = s.status.Clients()
	stats.FrameClients = s.frames.Clients()
	if s.metrics != nil {
		stats.BackendFPS = s.metrics.BackendFPS()
	}

	payload := map[string]any{
		"verification": s.ctl.Status(),
		"monitor":      stats,
		"history":      history,
		"timestamp":    float64(time.Now().UnixMilli()) / 1000,
	}
	if evidence, ok := s.ctl.EvidenceStatus(); ok {
		payload["evidence"] = evidence
	}
	return payload
}

// renderFrame draws the current overlays on the latest frame. The result is
// cached until either the frame or the snapshot changes.
func (s *Server) renderFrame() []byte {
	frame := s.ctl.LatestFrame()
	if frame == nil {
		return nil
	}
	snap := s.ctl.Snapshot()
	key := renderKey{seq: frame.Seq, captured: frame.Timestamp, eventFrame: snap.FrameNumber, eventAt: snap.ReceivedAt}

	s.renderMu.Lock()
	defer s.renderMu.Unlock()
	if s.rendered != nil && key == s.renderKey {
		return s.rendered
	}

	opts := s.cfg.Overlay
	opts.Mirror = s.cfg.Mirror
	overlays := geometry.Overlays(snap, float64(frame.Width), float64(frame.Height), s.cfg.Mirror)
	data, err := overlay.Render(frame.JPEG, overlays, opts)
	if err != nil {
		s.log.Warn("Overlay render failed: %v", err)
		return nil
	}
	s.renderKey = key
	s.rendered = data
	return data
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
