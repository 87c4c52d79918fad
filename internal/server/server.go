// Package server is the HTTP presentation boundary for setup negotiation.
//
// The caller is identified by the X-Pairsync-User header; authentication is
// expected in front of this service.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/pairsync/internal/auth"
	"github.com/danmuck/pairsync/internal/observability"
	"github.com/danmuck/pairsync/internal/projection"
	"github.com/danmuck/pairsync/internal/setup"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	HeaderUser = "X-Pairsync-User"

	maxPayloadBytes = 64 << 10
	shutdownTimeout = 5 * time.Second
)

// Options configures the HTTP surface.
type Options struct {
	Name        string
	CORSOrigins []string

	// IntentsPerSecond and Burst bound submit/approve/advance per user and
	// pairing. A zero rate disables limiting.
	IntentsPerSecond float64
	Burst            int

	// Auth gates the pairing routes; nil leaves them open.
	Auth auth.Validator

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string
}

type Server struct {
	name      string
	engine    *setup.Engine
	projector *projection.Projector
	limiter   *IntentLimiter
	auth      auth.Validator
	router    *gin.Engine
	certFile  string
	keyFile   string
	started   time.Time
}

func New(engine *setup.Engine, projector *projection.Projector, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "pairsyncd"
	}
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, HeaderUser))
	r.Use(observability.RequestMetricsMiddleware(opts.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", HeaderUser},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		name:      opts.Name,
		engine:    engine,
		projector: projector,
		limiter:   NewIntentLimiter(opts.IntentsPerSecond, opts.Burst, 0),
		auth:      opts.Auth,
		router:    r,
		certFile:  opts.CertFile,
		keyFile:   opts.KeyFile,
		started:   time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine { return s.router }

// Run listens on addr and serves until ctx ends.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx ends, then shuts down. Request contexts
// derive from ctx so open event streams end with it. TLS is used when both
// certificate files are configured.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	useTLS := s.certFile != "" && s.keyFile != ""
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Str("name", s.name).Bool("tls", useTLS).Msg("http listening")
		if useTLS {
			errCh <- srv.ServeTLS(ln, s.certFile, s.keyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info().Str("name", s.name).Msg("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
