// Package middleware provides Echo middleware for logging, metrics and
// security headers.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Install it with Echo.Pre so redirects and watchdog timeouts are logged too.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "http")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			start := time.Now()

			// A watchdog abort unwinds with a panic; the request is still logged.
			finished := false
			defer func() {
				status := responseStatus(c, err)
				if !finished {
					status = http.StatusInternalServerError
				}
				logRequest(c, logger, status, start, !finished)
			}()

			err = next(c)
			finished = true
			return err
		}
	}
}

func logRequest(c echo.Context, logger *slog.Logger, status int, start time.Time, aborted bool) {
	req := c.Request()
	res := c.Response()

	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}

	attrs := []any{
		"method", req.Method,
		"path", req.URL.Path,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds(),
		"request_id", res.Header().Get(echo.HeaderXRequestID),
		"remote_ip", c.RealIP(),
		"bytes_out", res.Size,
	}
	if aborted {
		attrs = append(attrs, "aborted", true)
	}
	logger.Log(req.Context(), level, "request", attrs...)
}
