package site

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"
)

// ErrorPage is the data for error.html.
type ErrorPage struct {
	Title  string
	Status int
	Detail string
}

// ErrorHandler is the central echo error responder. Every error a handler or
// the dispatcher returns becomes exactly one response here.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code, detail := statusOf(err)

		if code >= http.StatusInternalServerError {
			l := logger
			if rl, ok := c.Get(keyLogger).(*slog.Logger); ok {
				l = rl
			}
			l.Error("request failed", "status", code, "err", err)
			sentry.CaptureException(err)
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}

		page := ErrorPage{Title: http.StatusText(code), Status: code, Detail: detail}
		if rerr := c.Render(code, "error.html", page); rerr != nil {
			_ = c.String(code, fmt.Sprintf("%d %s", code, detail))
		}
	}
}

// statusOf maps err to a status code and a detail safe to show the client.
func statusOf(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if msg, ok := he.Message.(string); ok && msg != "" {
			return he.Code, msg
		}
		return he.Code, http.StatusText(he.Code)
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}
