package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/agendaweek/internal/handler"
	"github.com/dukerupert/agendaweek/internal/middleware"
	ws "github.com/dukerupert/agendaweek/internal/websocket"
)

// Config holds the HTTP-facing settings.
type Config struct {
	// IngestTokenHash is the bcrypt hash guarding write routes. Empty
	// disables them.
	IngestTokenHash string
	// WSOriginPatterns are extra origins allowed to open the change feed.
	WSOriginPatterns []string
	// WriteLimit is the number of write requests allowed per client per minute.
	WriteLimit int
}

type Server struct {
	hub         *ws.Hub
	agendaH     *handler.AgendaHandler
	syncH       *handler.SyncHandler
	rateLimiter *middleware.RateLimiter
	cfg         Config
	logger      *slog.Logger
}

func New(cfg Config, planner handler.WeekPlanner, syncer handler.Syncer, runs handler.RunLister, hub *ws.Hub, logger *slog.Logger) *Server {
	if cfg.WriteLimit <= 0 {
		cfg.WriteLimit = 30
	}
	return &Server{
		hub:         hub,
		agendaH:     handler.NewAgendaHandler(planner, logger.With("component", "agenda")),
		syncH:       handler.NewSyncHandler(syncer, runs, planner, logger.With("component", "sync_handler")),
		rateLimiter: middleware.NewRateLimiter(),
		cfg:         cfg,
		logger:      logger,
	}
}

// RunCleanup expires rate limit windows until ctx is done.
func (s *Server) RunCleanup(ctx context.Context) {
	s.rateLimiter.RunCleanup(ctx, 5*time.Minute)
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	// Agenda reads
	mux.HandleFunc("GET /api/agenda/week", s.agendaH.Week)
	mux.HandleFunc("GET /api/agenda/week.ics", s.agendaH.WeekICS)
	mux.HandleFunc("GET /api/agenda/items", s.agendaH.Items)
	mux.HandleFunc("GET /api/sync/runs", s.syncH.Runs)

	// Writes: token protected and rate limited
	mux.Handle("POST /api/events/import", s.writeHandler(s.syncH.Import))
	mux.Handle("POST /api/sync", s.writeHandler(s.syncH.Sync))

	// Change feed
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.cfg.WSOriginPatterns, s.logger.With("component", "websocket")))

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) writeHandler(h http.HandlerFunc) http.Handler {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, s.cfg.WriteLimit, time.Minute)
	auth := middleware.RequireToken(s.cfg.IngestTokenHash)
	return rl(auth(h))
}
