// Package admin exposes the focus HTTP surface: health, admission over
// HTTP, endpoint redistribution and metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/confmesh/focus/internal/focus/bridge"
	"github.com/confmesh/focus/internal/focus/conference"
	"github.com/confmesh/focus/internal/focus/loadredist"
	"github.com/confmesh/focus/internal/focus/xmpp"
)

// AdmissionHandler answers conference requests arriving over HTTP.
// Implemented by auth.Handler.
type AdmissionHandler interface {
	HandleConferenceRequest(ctx context.Context, from jid.JID, p xmpp.ConferencePayload) (*xmpp.ConferencePayload, *xmpp.StanzaError)
}

// Mover executes the redistribution commands. Implemented by
// loadredist.Redistributor.
type Mover interface {
	MoveEndpoint(conferenceID, endpointID, expectedBridgeID string) (loadredist.Result, error)
	MoveEndpoints(bridgeID, conferenceID string, count int) (loadredist.Result, error)
	MoveFraction(bridgeID string, fraction float64) (loadredist.Result, error)
}

// StatsProvider snapshots the conference pool. Implemented by
// conference.Manager.
type StatsProvider interface {
	Stats() conference.Stats
}

// Server is the focus admin HTTP server.
type Server struct {
	addr       string
	httpServer *http.Server
	detector   *bridge.Detector
	admission  AdmissionHandler
	mover      Mover
	stats      StatsProvider
	startTime  time.Time
}

// NewServer creates the admin server.
func NewServer(addr string, detector *bridge.Detector, admission AdmissionHandler, mover Mover, stats StatsProvider) *Server {
	s := &Server{
		addr:      addr,
		detector:  detector,
		admission: admission,
		mover:     mover,
		stats:     stats,
		startTime: time.Now(),
	}

	r := chi.NewRouter()
	r.Get("/about/health", s.handleHealth)
	r.Get("/about/stats", s.handleStats)
	r.Post("/conference-request/v1", s.handleConferenceRequest)
	r.Get("/move-endpoints/move-endpoint", s.handleMoveEndpoint)
	r.Get("/move-endpoints/move-endpoints", s.handleMoveEndpoints)
	r.Get("/move-endpoints/move-fraction", s.handleMoveFraction)
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Handler returns the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("[Admin] Starting HTTP server", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[Admin] Server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.detector.OperationalCount() == 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "unhealthy",
			"reason": "no operational bridges",
		})
		return
	}
	s.writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	type bridgeStats struct {
		JID         string  `json:"jid"`
		Region      string  `json:"region,omitempty"`
		Version     string  `json:"version,omitempty"`
		Stress      float64 `json:"stress"`
		Operational bool    `json:"operational"`
	}
	bridges := make([]bridgeStats, 0)
	for _, b := range s.detector.Snapshot() {
		st := b.Status()
		bridges = append(bridges, bridgeStats{
			JID:         b.ID(),
			Region:      st.Region,
			Version:     st.Version,
			Stress:      b.CorrectedStress(time.Now()),
			Operational: b.IsOperational(),
		})
	}
	pool := s.stats.Stats()
	s.writeJSON(w, map[string]any{
		"conferences":  pool.Conferences,
		"participants": pool.Participants,
		"bridges":      bridges,
	})
}

// conferenceRequest mirrors the ConferenceIq as JSON.
type conferenceRequest struct {
	Room       string            `json:"room"`
	From       string            `json:"from,omitempty"`
	MachineUID string            `json:"machineUid,omitempty"`
	SessionID  string            `json:"sessionId,omitempty"`
	Identity   string            `json:"identity,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

type conferenceResponse struct {
	Room         string `json:"room"`
	Ready        bool   `json:"ready"`
	FocusJID     string `json:"focusJid"`
	SessionID    string `json:"sessionId,omitempty"`
	Identity     string `json:"identity,omitempty"`
	AuthRequired bool   `json:"authRequired,omitempty"`
}

func (s *Server) handleConferenceRequest(w http.ResponseWriter, r *http.Request) {
	var req conferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	room, err := jid.Parse(req.Room)
	if err != nil {
		http.Error(w, "malformed room", http.StatusBadRequest)
		return
	}
	var from jid.JID
	if req.From != "" {
		if from, err = jid.Parse(req.From); err != nil {
			http.Error(w, "malformed from", http.StatusBadRequest)
			return
		}
	}

	res, stanzaErr := s.admission.HandleConferenceRequest(r.Context(), from, xmpp.ConferencePayload{
		Room:       room,
		MachineUID: req.MachineUID,
		SessionID:  req.SessionID,
		Identity:   req.Identity,
		Properties: req.Properties,
	})
	if stanzaErr != nil {
		http.Error(w, stanzaErr.Error(), stanzaErrStatus(stanzaErr))
		return
	}
	s.writeJSON(w, conferenceResponse{
		Room:         res.Room.String(),
		Ready:        res.Ready,
		FocusJID:     res.FocusJID.String(),
		SessionID:    res.SessionID,
		Identity:     res.Identity,
		AuthRequired: res.AuthRequired,
	})
}

func (s *Server) handleMoveEndpoint(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.mover.MoveEndpoint(q.Get("conference"), q.Get("endpoint"), q.Get("bridge"))
	s.writeMoveResult(w, res, err)
}

func (s *Server) handleMoveEndpoints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	count, err := strconv.Atoi(q.Get("numEndpoints"))
	if err != nil {
		http.Error(w, "malformed numEndpoints", http.StatusBadRequest)
		return
	}
	res, err := s.mover.MoveEndpoints(q.Get("bridge"), q.Get("conference"), count)
	s.writeMoveResult(w, res, err)
}

func (s *Server) handleMoveFraction(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fraction, err := strconv.ParseFloat(q.Get("fraction"), 64)
	if err != nil {
		http.Error(w, "malformed fraction", http.StatusBadRequest)
		return
	}
	res, err := s.mover.MoveFraction(q.Get("bridge"), fraction)
	s.writeMoveResult(w, res, err)
}

func (s *Server) writeMoveResult(w http.ResponseWriter, res loadredist.Result, err error) {
	if err != nil {
		http.Error(w, err.Error(), moveErrStatus(err))
		return
	}
	s.writeJSON(w, res)
}

func moveErrStatus(err error) int {
	switch {
	case errors.Is(err, loadredist.ErrBridgeNotFound),
		errors.Is(err, loadredist.ErrConferenceNotFound):
		return http.StatusNotFound
	case errors.Is(err, loadredist.ErrMissingParameter),
		errors.Is(err, loadredist.ErrInvalidParameter):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func stanzaErrStatus(stanzaErr *xmpp.StanzaError) int {
	switch stanzaErr.Condition {
	case stanza.BadRequest:
		return http.StatusBadRequest
	case stanza.NotAuthorized:
		return http.StatusUnauthorized
	case stanza.Forbidden, stanza.NotAcceptable:
		return http.StatusForbidden
	case stanza.ServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[Admin] Failed to encode JSON", "error", err)
	}
}
