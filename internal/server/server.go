package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/shaunagostinho/evdash/internal/controller"
	"github.com/shaunagostinho/evdash/internal/session"
	"github.com/shaunagostinho/evdash/internal/store"
)

// Server exposes the dashboard: static UI, the snapshot WebSocket and a small
// control API over the session manager.
type Server struct {
	cfg      *Config
	sessions *session.Manager
	db       *store.DB
	hub      *Hub
	webFS    fs.FS
}

// New creates a new Server. hub must be the renderer the manager's sessions
// publish to.
func New(cfg *Config, sessions *session.Manager, db *store.DB, hub *Hub, webFS fs.FS) *Server {
	return &Server{cfg: cfg, sessions: sessions, db: db, hub: hub, webFS: webFS}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.Handle("/ws", s.hub)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/controller", s.handleController)
	mux.HandleFunc("/api/controllers", s.handleControllers)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/trip/reset", s.handleResetTrip)
	mux.HandleFunc("/api/trips", s.handleTrips)
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		if data, err := s.cfg.ToJSON(); err == nil {
			s.hub.BroadcastConfig(data)
		}
		writeOK(w)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.Snapshots())
}

// controllerPatch lists the record fields the API may change. Serial, the
// odometer and bindings are not among them.
type controllerPatch struct {
	Serial         *string              `json:"serial"`
	Name           *string              `json:"name"`
	AllowAnonymous *bool                `json:"allowAnonymous"`
	PreferGPSSpeed *bool                `json:"preferGpsSpeed"`
	Geometry       *controller.Geometry `json:"geometry"`
}

func (s *Server) handleController(w http.ResponseWriter, r *http.Request) {
	serial := s.serial(r)
	switch r.Method {
	case http.MethodGet:
		c, err := s.db.GetController(r.Context(), serial)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)

	case http.MethodPost, http.MethodPut:
		var p controllerPatch
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		if p.Serial != nil && *p.Serial != serial {
			http.Error(w, "serial number cannot be changed", http.StatusBadRequest)
			return
		}
		c, err := s.db.GetController(r.Context(), serial)
		if err != nil {
			httpError(w, err)
			return
		}
		if p.Name != nil {
			c.Name = *p.Name
		}
		if p.AllowAnonymous != nil {
			c.AllowAnonymous = *p.AllowAnonymous
		}
		if p.PreferGPSSpeed != nil {
			c.PreferGPSSpeed = *p.PreferGPSSpeed
		}
		if p.Geometry != nil {
			c.Geometry = *p.Geometry
		}
		if err := s.db.UpdateController(r.Context(), c); err != nil {
			httpError(w, err)
			return
		}
		// A running session picks the new geometry up from its next reading.
		if sess, ok := s.sessions.Session(serial); ok {
			if err := sess.UpdateController(*c); err != nil && !errors.Is(err, session.ErrStopped) {
				log.Printf("[server] %s: apply controller update: %v", serial, err)
			}
		}
		resp := map[string]any{"controller": c}
		if err := c.Geometry.Validate(); err != nil {
			resp["warning"] = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// controllerEntry is one registered controller and its session phase.
type controllerEntry struct {
	Serial string        `json:"serial"`
	Phase  session.Phase `json:"phase"`
}

func (s *Server) handleControllers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	serials, err := s.db.ListControllers(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	out := make([]controllerEntry, 0, len(serials))
	for _, serial := range serials {
		e := controllerEntry{Serial: serial}
		if sess, ok := s.sessions.Session(serial); ok {
			e.Phase = sess.Snapshot().State.Phase
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, err := s.sessions.Connect(r.Context(), s.serial(r))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess.Snapshot())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	serial := s.serial(r)
	if err := s.sessions.Disconnect(r.Context(), serial); err != nil && !errors.Is(err, session.ErrStopped) {
		httpError(w, err)
		return
	}
	if sess, ok := s.sessions.Session(serial); ok {
		writeJSON(w, http.StatusOK, sess.Snapshot())
		return
	}
	writeOK(w)
}

func (s *Server) handleResetTrip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.sessions.Session(s.serial(r))
	if !ok {
		http.Error(w, "no session", http.StatusNotFound)
		return
	}
	sess.ResetTrip()
	writeOK(w)
}

func (s *Server) handleTrips(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	trips, err := s.db.ListTrips(r.Context(), s.serial(r), limit)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trips)
}

// serial is the ?serial= query value, or the configured controller.
func (s *Server) serial(r *http.Request) string {
	if v := r.URL.Query().Get("serial"); v != "" {
		return v
	}
	return s.cfg.DefaultSerial()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] write response: %v", err)
	}
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrUnknownController), errors.Is(err, controller.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
