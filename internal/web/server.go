// Package web serves the verification flow over HTTP for clients that are
// not the Discord bot, together with health and Prometheus endpoints.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Options struct {
	// APIToken is the bearer token every /api request must carry.
	APIToken  string
	RateRPS   float64
	RateBurst int
	Logger    zerolog.Logger
}

// NewRouter builds the gin engine. Middleware order: request ID, access
// log, recovery, metrics, then rate limit and auth on the API group.
func NewRouter(svc Verifier, opts Options) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(RequestID())
	r.Use(Logger(opts.Logger))
	r.Use(Recovery())
	r.Use(Metrics())

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, codeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		fail(c, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
	})

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := &handler{svc: svc}
	api := r.Group("/api/guilds/:guildID/users/:userID/verification")
	if opts.RateRPS > 0 {
		api.Use(NewRateLimiter(opts.RateRPS, opts.RateBurst).Handler())
	}
	api.Use(BearerAuth(opts.APIToken))
	api.GET("", h.status)
	api.POST("/start", h.start)
	api.POST("/code", h.submitCode)
	api.POST("/math", h.submitMath)
	api.POST("/finalize", h.finalize)

	return r
}

// Server runs the router until its context is cancelled.
type Server struct {
	srv *http.Server
	log zerolog.Logger
}

func NewServer(addr string, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: logger.With().Str("component", "web").Logger(),
	}
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info().Msg("http server stopped")
	return nil
}
