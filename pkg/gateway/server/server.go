// Package server wires the gateway: routes, middleware chain and the shared
// process-scoped state (inventory cache, diagnostics, session registry).
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/key2drive/wally-gateway/pkg/gateway/audio"
	"github.com/key2drive/wally-gateway/pkg/gateway/catalog"
	"github.com/key2drive/wally-gateway/pkg/gateway/config"
	"github.com/key2drive/wally-gateway/pkg/gateway/diag"
	"github.com/key2drive/wally-gateway/pkg/gateway/handlers"
	"github.com/key2drive/wally-gateway/pkg/gateway/live/session"
	"github.com/key2drive/wally-gateway/pkg/gateway/live/sessions"
	"github.com/key2drive/wally-gateway/pkg/gateway/mw"
	"github.com/key2drive/wally-gateway/pkg/gateway/upstream"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	upstream   *upstream.Client
	inventory  *catalog.Inventory
	diag       *diag.Recorder
	registry   *sessions.Registry
	transcoder *audio.Transcoder
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	client := upstream.NewClient(cfg.UpstreamURL, cfg.APIKey, logger)
	client.Voice = cfg.Voice

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
		upstream:   client,
		inventory:  catalog.NewInventory(cfg.InventoryPath, logger),
		diag:       diag.NewRecorder(cfg.DiagCapacity),
		registry:   sessions.NewRegistry(),
		transcoder: audio.NewTranscoder(cfg.FFmpegBinary, logger),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/api/health", handlers.HealthHandler{})
	s.mux.Handle("/api/diagnostics", handlers.DiagnosticsHandler{Recorder: s.diag})

	s.mux.Handle("/api/turn", handlers.TurnHandler{
		Runner:       s.upstream,
		Transcoder:   s.transcoder,
		Inventory:    s.inventory,
		Diag:         s.diag,
		Logger:       s.logger,
		Timeout:      s.cfg.TurnTimeout,
		MaxBodyBytes: s.cfg.MaxBodyBytes,
	})

	s.mux.Handle("/v1/voice", handlers.VoiceHandler{
		Registry:  s.registry,
		Dial:      session.DialerForClient(s.upstream),
		Inventory: s.inventory,
		Diag:      s.diag,
		Logger:    s.logger,
		Config:    s.cfg,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// StartInventoryWatch begins watching the inventory file for changes.
func (s *Server) StartInventoryWatch() error {
	return s.inventory.Watch()
}

// Shutdown closes live sessions and waits for their loops to drain.
func (s *Server) Shutdown(ctx context.Context) {
	s.registry.CloseAll("server_shutdown")
	if !s.registry.Wait(ctx) {
		s.logger.Warn("live sessions did not drain before deadline")
	}
	_ = s.inventory.Close()
}
