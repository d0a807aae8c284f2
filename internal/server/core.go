package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ilnaes/docsync/internal/auth"
	"github.com/ilnaes/docsync/internal/config"
	"github.com/ilnaes/docsync/internal/metrics"
	"github.com/ilnaes/docsync/internal/persist"
	"github.com/ilnaes/docsync/internal/room"
)

// Engine is a fully wired collaboration server.
type Engine struct {
	Server  *Server
	Rooms   *room.Manager
	Gateway *persist.Gateway
	Metrics *metrics.Metrics
}

// NewEngine wires the components around an already opened backend.
func NewEngine(cfg config.Config, backend persist.Backend, log zerolog.Logger) *Engine {
	m := metrics.New()
	gw := persist.NewGateway(backend, persist.Options{
		Attempts:   cfg.FlushAttempts,
		Backoff:    cfg.FlushBackoff,
		MaxBackoff: cfg.FlushMaxBackoff,
		Timeout:    cfg.FlushTimeout,
	}, log, m)
	rooms := room.NewManager(gw, room.Options{
		FlushInterval: cfg.FlushInterval,
		GracePeriod:   cfg.RoomGracePeriod,
		MaxPending:    cfg.MaxPending,
	}, log, m)

	secret := auth.NewSecretVerifier([]byte(cfg.Secret))
	var wsSecret *auth.SecretVerifier
	if cfg.AllowSecretAuth {
		wsSecret = secret
	}
	chain := auth.NewChain(auth.NewTokenVerifier([]byte(cfg.Secret), cfg.TokenLeeway), wsSecret, log, m)

	return &Engine{
		Server:  NewServer(cfg, chain, secret, rooms, m, log),
		Rooms:   rooms,
		Gateway: gw,
		Metrics: m,
	}
}

// Shutdown closes every session, flushes every document and closes the
// backend, giving up at ctx's deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.Rooms.Shutdown(ctx)
	return errors.Join(err, e.Gateway.Close(ctx))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	backend, err := persist.Open(ctx, cfg)
	if err != nil {
		return err
	}
	e := NewEngine(cfg, backend, log)

	srv := &http.Server{
		Handler:           e.Server.Router(),
		Addr:              cfg.Addr,
		WriteTimeout:      15 * time.Second,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("backend", cfg.StorageBackend).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err = <-errc:
		err = fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
	defer cancel()
	if serr := srv.Shutdown(sctx); serr != nil {
		log.Warn().Err(serr).Msg("http shutdown")
	}
	if serr := e.Shutdown(sctx); serr != nil {
		log.Error().Err(serr).Msg("unflushed documents at shutdown")
		err = errors.Join(err, serr)
	}
	return err
}
