// Package server assembles the echo HTTP server from registered
// handlers and the shared middleware stack.
package server

import (
	"context"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/deskhubhq/deskhub/internal/auth"
)

// Handler registers routes on the echo instance. Handlers are
// collected through the DI value group in cmd/deskhub.
type Handler interface {
	Register(e *echo.Echo)
}

// Server wraps the echo instance with its listen address.
type Server struct {
	echo *echo.Echo
	addr string
}

var jwtSkipExactPaths = map[string]struct{}{
	"/":     {},
	"/ping": {},
}

// Webhook paths authenticate with platform credentials (tokens,
// signatures) inside the connector, not with our JWT.
var jwtSkipPrefixPaths = []string{
	"/webhooks/",
}

// NewServer builds the echo server with recovery, request logging, and
// JWT auth, then registers every handler.
func NewServer(addr, jwtSecret string, log *slog.Logger, handlers []Handler) *Server {
	if addr == "" {
		addr = ":8080"
	}
	if log == nil {
		log = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", c.RealIP()),
			)
			return nil
		},
	}))
	e.Use(auth.JWTMiddleware(jwtSecret, func(c echo.Context) bool {
		return shouldSkipJWT(c.Request().URL.Path)
	}))

	for _, h := range handlers {
		if h != nil {
			h.Register(e)
		}
	}

	return &Server{echo: e, addr: addr}
}

func shouldSkipJWT(path string) bool {
	if _, ok := jwtSkipExactPaths[path]; ok {
		return true
	}
	for _, prefix := range jwtSkipPrefixPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Start begins serving; it blocks until the listener closes.
func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the underlying instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
