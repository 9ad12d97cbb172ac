// Package api exposes the HTTP surface: recorded playback, live TV,
// catalog browsing, guide access and operational endpoints. It is a thin
// adapter; all decisions live in the components it fronts.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hdhub/hdhub/internal/appliance"
	"github.com/hdhub/hdhub/internal/config"
	"github.com/hdhub/hdhub/internal/log"
)

// Server wires the components behind the HTTP routes.
type Server struct {
	cfg       config.Snapshot
	store     Store
	engine    TranscodeEngine
	allocator LiveAllocator
	worker    LiveWorker
	syncer    CatalogSyncer
	plane     GuidePlane
	disc      DiscoveryRunner
	logger    zerolog.Logger
	startTime time.Time

	// Stubbed in tests.
	lineupFn func(ctx context.Context, baseURL string) ([]appliance.LineupEntry, error)

	httpServer *http.Server
}

// Deps carries the component handles the server fronts.
type Deps struct {
	Store     Store
	Engine    TranscodeEngine
	Allocator LiveAllocator
	Worker    LiveWorker
	Syncer    CatalogSyncer
	Plane     GuidePlane
	Discovery DiscoveryRunner
}

// New builds the server. Run starts listening.
func New(cfg config.Snapshot, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		store:     deps.Store,
		engine:    deps.Engine,
		allocator: deps.Allocator,
		worker:    deps.Worker,
		syncer:    deps.Syncer,
		plane:     deps.Plane,
		disc:      deps.Discovery,
		logger:    log.WithComponent("api"),
		startTime: time.Now(),
	}
	s.lineupFn = func(ctx context.Context, baseURL string) ([]appliance.LineupEntry, error) {
		return appliance.New(baseURL).Lineup(ctx)
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/lineup.json", s.handleLineup)

	// Media paths are exempt from the API rate limit; HLS clients poll
	// playlists and fetch segments at a steady clip.
	r.Route("/stream/{episodeID}", func(r chi.Router) {
		r.Get("/status", s.handleStreamStatus)
		r.Get("/{filename}", s.handleStreamFile)
	})
	r.Route("/live", func(r chi.Router) {
		r.Post("/watch", s.handleLiveWatch)
		r.Post("/heartbeat", s.handleLiveHeartbeat)
		r.Post("/stop", s.handleLiveStop)
		r.Get("/tuners", s.handleLiveTuners)
		r.Get("/{tunerID}/{filename}", s.handleLiveFile)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.LimitByIP(120, time.Minute))

		r.Get("/status", s.handleStatus)
		r.Post("/discover", s.handleDiscover)
		r.Get("/devices", s.handleDevices)

		r.Get("/series", s.handleListSeries)
		r.Get("/series/{seriesID}/episodes", s.handleListEpisodes)
		r.Get("/episodes/{episodeID}", s.handleGetEpisode)
		r.Put("/episodes/{episodeID}/progress", s.handleUpdateProgress)
		r.Delete("/episodes/{episodeID}", s.handleDeleteEpisode)

		r.Get("/transcodes", s.handleListTranscodes)
		r.Delete("/transcodes/{episodeID}", s.handleDeleteTranscode)
		r.Post("/transcodes/backfill", s.handleStartBackfill)
		r.Get("/transcodes/backfill", s.handleBackfillStatus)

		r.Get("/guide", s.handleGuide)
		r.Get("/guide/now", s.handleGuideNow)
		r.Get("/guide/search", s.handleGuideSearch)

		r.Get("/rules", s.handleListRules)
		r.Post("/rules", s.handleAddRule)
		r.Put("/rules/{ruleID}", s.handleChangeRule)
		r.Delete("/rules/{ruleID}", s.handleDeleteRule)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
