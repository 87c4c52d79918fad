// Package daemon wires configuration, storage, the setup engine, projection
// and the HTTP surface into the pairsyncd process lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/pairsync/internal/auth"
	"github.com/danmuck/pairsync/internal/config"
	"github.com/danmuck/pairsync/internal/docstore"
	"github.com/danmuck/pairsync/internal/identity"
	"github.com/danmuck/pairsync/internal/projection"
	"github.com/danmuck/pairsync/internal/server"
	"github.com/danmuck/pairsync/internal/setup"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyClosed = errors.New("daemon: service closed")

type closableStore interface {
	docstore.Store
	Close() error
}

// Service owns every long-lived component of a pairsyncd process.
type Service struct {
	cfg       config.Config
	store     closableStore
	roster    *identity.Roster
	engine    *setup.Engine
	projector *projection.Projector
	server    *server.Server
	closed    bool
}

// NewService validates cfg and builds the component graph without serving.
func NewService(cfg config.Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seq, err := cfg.Sequence()
	if err != nil {
		return nil, err
	}
	roster, err := cfg.Roster()
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	engine := setup.NewEngine(store, roster, setup.WithSequence(seq))
	projector := projection.NewProjector(engine, projection.WithRetry(cfg.Retry))
	srv := server.New(engine, projector, server.Options{
		Name:             "pairsyncd",
		CORSOrigins:      cfg.CORSOrigins,
		IntentsPerSecond: cfg.Limits.IntentsPerSecond,
		Burst:            cfg.Limits.Burst,
		Auth:             auth.FromConfig(cfg.APIToken),
		CertFile:         cfg.TLS.CertFile,
		KeyFile:          cfg.TLS.KeyFile,
	})
	return &Service{
		cfg:       cfg,
		store:     store,
		roster:    roster,
		engine:    engine,
		projector: projector,
		server:    srv,
	}, nil
}

func openStore(cfg config.Config) (closableStore, error) {
	switch cfg.Store.Driver {
	case docstore.DriverSQLite:
		s, err := docstore.OpenSQLite(cfg.SQLite())
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return s, nil
	default:
		return docstore.NewMemory(), nil
	}
}

func (s *Service) Engine() *setup.Engine { return s.engine }

func (s *Service) Server() *server.Server { return s.server }

// Run blocks until SIGINT or SIGTERM, then releases every component.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Bootstrap(ctx); err != nil {
		_ = s.Close()
		return err
	}
	err := s.Serve(ctx)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

// Bootstrap creates the setup document of every configured pairing so the
// first reader of each finds it in place.
func (s *Service) Bootstrap(ctx context.Context) error {
	ids := s.roster.IDs()
	for _, id := range ids {
		if _, err := s.engine.Ensure(ctx, id); err != nil {
			return fmt.Errorf("bootstrap pairing %s: %w", id, err)
		}
	}
	log.Info().
		Int("pairings", len(ids)).
		Str("driver", s.cfg.Store.Driver).
		Bool("tls", s.cfg.TLS.Enabled()).
		Bool("token", s.cfg.APIToken != "").
		Int("steps", s.engine.Sequence().Len()).
		Msg("daemon ready")
	return nil
}

// Serve runs the HTTP listener and the heartbeat until ctx ends.
func (s *Service) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- s.server.Run(ctx, s.cfg.ListenAddr)
	}()

	var tick <-chan time.Time
	if s.cfg.Heartbeat > 0 {
		ticker := time.NewTicker(s.cfg.Heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case err := <-httpErr:
			return err
		case <-ctx.Done():
			return <-httpErr
		case <-tick:
			s.heartbeat()
		}
	}
}

func (s *Service) heartbeat() {
	log.Info().
		Int("pairings", len(s.roster.IDs())).
		Int("subscriptions", len(s.projector.Subscriptions())).
		Msg("daemon heartbeat")
}

// Close stops projection and releases the store. Calling it twice returns
// ErrAlreadyClosed.
func (s *Service) Close() error {
	if s.closed {
		return ErrAlreadyClosed
	}
	s.closed = true
	s.projector.Close()
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	log.Info().Msg("daemon stopped")
	return nil
}
