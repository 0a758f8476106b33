// Package site provides the collaborators the dispatcher calls around every
// request: the canonical host check, request decoration, the central error
// responder and the page renderer.
package site

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"signup-site-go/internal/config"
	"signup-site-go/internal/dispatch"
)

const (
	keyConfig = "site.config"
	keyLogger = "site.logger"
)

// exemptPaths answer on any host so probes can reach pods directly.
var exemptPaths = map[string]bool{
	"/healthz":     true,
	"/site/status": true,
}

// CanonicalHost redirects requests for any other host to
// server.canonical_host. It is a no-op when no canonical host is configured.
func CanonicalHost(cfg *config.Config) dispatch.HostCheck {
	canonical := cfg.Server.CanonicalHost
	return func(c echo.Context) (bool, error) {
		req := c.Request()
		if canonical == "" || req.Host == canonical || exemptPaths[req.URL.Path] {
			return false, nil
		}
		target := c.Scheme() + "://" + canonical + req.RequestURI
		return true, c.Redirect(http.StatusMovedPermanently, target)
	}
}

// Decorator attaches the config and a request-scoped logger to every request.
func Decorator(cfg *config.Config, logger *slog.Logger) dispatch.Decorator {
	base := logger.With("component", "site")
	return func(c echo.Context) {
		req := c.Request()
		id := c.Response().Header().Get(echo.HeaderXRequestID)
		if id == "" {
			id = req.Header.Get(echo.HeaderXRequestID)
		}
		c.Set(keyConfig, cfg)
		c.Set(keyLogger, base.With(
			"request_id", id,
			"method", req.Method,
			"path", req.URL.Path,
		))
	}
}

// Config returns the site config attached by Decorator.
func Config(c echo.Context) *config.Config {
	cfg, _ := c.Get(keyConfig).(*config.Config)
	return cfg
}

// Logger returns the request logger attached by Decorator, or the default
// logger for undecorated requests.
func Logger(c echo.Context) *slog.Logger {
	if l, ok := c.Get(keyLogger).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
