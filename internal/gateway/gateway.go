// Package gateway is the HTTP surface of the bridge.
//
// DESIGN: A thin translation layer. Handlers decode JSON, take the caller
// from the identity middleware and the request id from the logging
// middleware, call the façade, and encode either the result or an
// {"error":{...}} envelope with the taxonomy's HTTP status. No routing,
// admission or retry decisions are made here.
//
// FILES:
//   - gateway.go:    Gateway lifecycle (New, Handler, Start, Shutdown)
//   - router.go:     gorilla/mux route table
//   - handlers.go:   one handler per route, JSON encoding
//   - middleware.go: recovery, logging, security headers, CORS
//   - identity.go:   caller identity (header, jwt, none)
//   - types.go:      Bridge interface, error envelope, identity context
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/compresr/ai-bridge/internal/config"
	"github.com/compresr/ai-bridge/internal/monitoring"
)

// Gateway serves the bridge over HTTP.
type Gateway struct {
	cfg             *config.Config
	bridge          Bridge
	logger          *monitoring.Logger
	requestLogger   *monitoring.RequestLogger
	alerts          *monitoring.AlertManager
	resolveIdentity identityResolver

	handler http.Handler
	server  *http.Server
}

// New builds the gateway. logger may be nil.
func New(cfg *config.Config, b Bridge, logger *monitoring.Logger) *Gateway {
	if logger == nil {
		logger = monitoring.Nop()
	}
	logger = logger.With("gateway")

	g := &Gateway{
		cfg:             cfg,
		bridge:          b,
		logger:          logger,
		requestLogger:   monitoring.NewRequestLogger(logger),
		alerts:          monitoring.NewAlertManager(logger, monitoring.AlertConfig{}),
		resolveIdentity: newIdentityResolver(cfg.Auth),
	}
	g.handler = g.routes()
	g.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      g.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return g
}

// Handler returns the full middleware-wrapped handler.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Start listens on the configured port until Shutdown.
func (g *Gateway) Start() error {
	g.logger.Info().
		Int("port", g.cfg.Server.Port).
		Str("auth", g.cfg.Auth.Mode).
		Msg("gateway listening")
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}
