package middleware

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"signup-site-go/internal/config"
)

// RateLimiter returns a per-IP rate limiter backed by an in-memory store.
func RateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			logger.Debug("rate limited", "remote_ip", identifier, "path", c.Request().URL.Path)
			return echo.NewHTTPError(http.StatusTooManyRequests, "Too many requests")
		},
	})
}
