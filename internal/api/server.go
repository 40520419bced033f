package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bryanchriswhite/FrameFeed/internal/capture"
	"github.com/bryanchriswhite/FrameFeed/internal/config"
	"github.com/bryanchriswhite/FrameFeed/internal/display"
	"github.com/bryanchriswhite/FrameFeed/internal/feed"
	"github.com/bryanchriswhite/FrameFeed/internal/logger"
	"github.com/bryanchriswhite/FrameFeed/internal/output"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Version is reported by /api/health
var Version = "0.1.0"

// CaptureController is the part of the coordinator the API drives
type CaptureController interface {
	Restart() error
	Stats() capture.Stats
	Applied() capture.Settings
}

// StatsFeed publishes consumer stats
type StatsFeed interface {
	Stats() feed.Stats
	Subscribe() chan feed.Stats
	Unsubscribe(ch chan feed.Stats)
}

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	capture   CaptureController
	feed      StatsFeed
	configMgr *config.Manager
	resolver  *display.Resolver
	preview   *output.MJPEGOutput
	upgrader  websocket.Upgrader
	http      *http.Server
}

// NewServer creates a new API server
func NewServer(ctrl CaptureController, statsFeed StatsFeed, configMgr *config.Manager, resolver *display.Resolver, preview *output.MJPEGOutput) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		capture:   ctrl,
		feed:      statsFeed,
		configMgr: configMgr,
		resolver:  resolver,
		preview:   preview,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}

	s.setupRoutes()
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config", s.handleUpdateConfig).Methods("PUT")
	api.HandleFunc("/config/{key}", s.handleSetConfigKey).Methods("PUT")

	api.HandleFunc("/capture/restart", s.handleRestart).Methods("POST")
	api.HandleFunc("/capture/region", s.handleRegion).Methods("GET")

	api.HandleFunc("/frame.jpg", s.handleFrame).Methods("GET")
	api.HandleFunc("/stats/stream", s.handleStatsStream)

	if s.preview != nil {
		s.router.HandleFunc("/stream", s.preview.GetHTTPHandler()).Methods("GET")
		s.router.HandleFunc("/stream/stats", s.preview.GetStatsHandler()).Methods("GET")
		s.router.HandleFunc("/", s.preview.GetViewerHandler()).Methods("GET")
	}
}

// Handler returns the routed handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves HTTP until Shutdown is called
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http.Addr = addr
	logger.WithComponent("api").Info().Str("addr", "http://localhost"+addr).Msg("Starting server")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

type statusResponse struct {
	Capture capture.Stats `json:"capture"`
	Feed    *feed.Stats   `json:"feed,omitempty"`
	Preview *output.Stats `json:"preview,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Capture: s.capture.Stats()}
	if s.feed != nil {
		fs := s.feed.Stats()
		resp.Feed = &fs
	}
	if s.preview != nil {
		ps := s.preview.Stats()
		resp.Preview = &ps
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

// handleUpdateConfig replaces the whole configuration. Invalid input leaves
// the current configuration untouched.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.configMgr.Get()
	if err := json.NewDecoder(r.Body).Decode(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.configMgr.Update(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.restartAfterChange(w)
}

func (s *Server) handleSetConfigKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.configMgr.Set(mux.Vars(r)["key"], req.Value); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.restartAfterChange(w)
}

// restartAfterChange reconciles capture with a saved configuration. The
// save itself succeeded, so a failed restart is reported but not a 4xx.
func (s *Server) restartAfterChange(w http.ResponseWriter) {
	resp := map[string]interface{}{"status": "success"}
	if err := s.capture.Restart(); err != nil {
		logger.WithComponent("api").Warn().Err(err).Msg("Capture restart after config change failed")
		resp["restart_error"] = err.Error()
	}
	resp["capture"] = s.capture.Stats()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.capture.Restart(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, capture.ErrStopped) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, s.capture.Stats())
}

type regionResponse struct {
	Region  display.Region `json:"region"`
	Display display.Size   `json:"display"`
	Custom  *display.Size  `json:"custom,omitempty"`
	Method  string         `json:"method"`
}

func (s *Server) handleRegion(w http.ResponseWriter, r *http.Request) {
	settings := s.configMgr.CaptureSettings()
	region, err := s.resolver.ComputeCenteredRegion(settings.CustomRegion, settings.OffsetX, settings.OffsetY, settings.RegionWidth, settings.RegionHeight)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	resp := regionResponse{
		Region: region,
		Custom: settings.CustomRegion,
		Method: settings.Method.String(),
	}
	if size, err := s.resolver.ResolvePrimaryDisplaySize(); err == nil {
		resp.Display = size
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	if s.preview == nil {
		http.NotFound(w, r)
		return
	}
	data, at := s.preview.Latest()
	if len(data) == 0 {
		writeError(w, http.StatusServiceUnavailable, errors.New("no frame captured yet"))
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Last-Modified", at.UTC().Format(http.TimeFormat))
	w.Write(data)
}

func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")
	if s.feed == nil {
		http.NotFound(w, r)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	updates := s.feed.Subscribe()
	defer s.feed.Unsubscribe(updates)

	// Reads only detect the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(s.feed.Stats()); err != nil {
		log.Debug().Err(err).Msg("WebSocket write error")
		return
	}
	for {
		select {
		case <-closed:
			return
		case stats, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(stats); err != nil {
				log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		}
	}
}
