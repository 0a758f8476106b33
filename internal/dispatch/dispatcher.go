// Package dispatch routes site requests. It canonicalizes hosts and paths
// before routing, runs every request under a watchdog, and negotiates the
// request body a handler asks for once the handler's synchronous part is done.
package dispatch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"signup-site-go/internal/metrics"
)

// HeaderMaxLength advertises a handler's declared body limit.
const HeaderMaxLength = "Max-Length"

// Handler serves a routed request. It either responds itself and returns the
// zero Plan, or returns a Plan describing the body it wants delivered.
type Handler func(c echo.Context) (Plan, error)

// HostCheck may answer a request before routing (typically with a redirect to
// the canonical host). It reports whether the request was handled.
type HostCheck func(c echo.Context) (bool, error)

// Decorator attaches shared context to a request before routing.
type Decorator func(c echo.Context)

// Options configures a Dispatcher. HostCheck, Decorate and Metrics are optional.
type Options struct {
	HostCheck HostCheck
	Decorate  Decorator
	Watchdog  *Watchdog
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Dispatcher installs the dispatch pipeline on an Echo instance and registers
// routes on it.
type Dispatcher struct {
	echo      *echo.Echo
	hostCheck HostCheck
	decorate  Decorator
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New installs the dispatcher on e. The pre-routing order is fixed: host
// check, decoration, watchdog, path canonicalization.
func New(e *echo.Echo, opts Options) *Dispatcher {
	d := &Dispatcher{
		echo:      e,
		hostCheck: opts.HostCheck,
		decorate:  opts.Decorate,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("component", "dispatcher"),
	}

	pre := []echo.MiddlewareFunc{d.checkHost, d.decorateRequest}
	if opts.Watchdog != nil {
		pre = append(pre, opts.Watchdog.Middleware())
	}
	pre = append(pre, d.canonicalize)
	e.Pre(pre...)

	e.RouteNotFound("/*", d.notFound)
	return d
}

// Route registers h for every method on path. Handlers check the method
// themselves.
func (d *Dispatcher) Route(path string, h Handler) {
	d.echo.Any(path, d.wrap(h))
}

// Handle registers a plain Echo handler that needs no body negotiation.
func (d *Dispatcher) Handle(path string, h echo.HandlerFunc) {
	d.echo.Any(path, h)
}

func (d *Dispatcher) checkHost(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if d.hostCheck != nil {
			handled, err := d.hostCheck(c)
			if err != nil || handled {
				return err
			}
		}
		return next(c)
	}
}

func (d *Dispatcher) decorateRequest(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if d.decorate != nil {
			d.decorate(c)
		}
		return next(c)
	}
}

func (d *Dispatcher) notFound(echo.Context) error {
	d.reject("not_found")
	return echo.ErrNotFound
}

func (d *Dispatcher) wrap(h Handler) echo.HandlerFunc {
	return func(c echo.Context) error {
		plan, err := h(c)
		if err != nil {
			return err
		}
		return d.enforce(c, plan)
	}
}

// enforce applies the constraints a handler declared and delivers the body.
func (d *Dispatcher) enforce(c echo.Context, plan Plan) error {
	req := c.Request()

	if plan.MaxLen > 0 {
		c.Response().Header().Set(HeaderMaxLength, strconv.FormatInt(plan.MaxLen, 10))
		n, ok := contentLength(req)
		if !ok {
			d.reject("length_required")
			return echo.NewHTTPError(http.StatusLengthRequired)
		}
		if n > plan.MaxLen {
			d.reject("too_large")
			return echo.ErrStatusRequestEntityTooLarge
		}
		req.Body = http.MaxBytesReader(c.Response(), req.Body, plan.MaxLen)
	}

	body := plan.Body
	if body.kind == KindNone {
		return nil
	}

	if !body.accepts(req.Header.Get(echo.HeaderContentType)) {
		d.reject("unsupported_media_type")
		return echo.ErrUnsupportedMediaType
	}

	text, err := readText(req.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			d.reject("too_large")
			return echo.ErrStatusRequestEntityTooLarge
		}
		return echo.NewHTTPError(http.StatusBadRequest, "could not read request body").SetInternal(err)
	}

	v, err := body.parse(text)
	var skipped *skippedPairsError
	if errors.As(err, &skipped) {
		d.logger.Debug("form pairs skipped", "path", req.URL.Path, "err", skipped.err)
		err = nil
	}
	if err != nil {
		d.reject("bad_" + body.kind.String())
		d.logger.Debug("malformed request body", "path", req.URL.Path, "kind", body.kind.String(), "err", err)
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body").SetInternal(err)
	}

	return body.consume(c, v)
}

func (d *Dispatcher) reject(reason string) {
	if d.metrics != nil {
		d.metrics.DispatchRejections.WithLabelValues(reason).Inc()
	}
}

// contentLength returns the declared request length. A missing header is
// reported as not ok; an unparseable one is treated the same way.
func contentLength(r *http.Request) (int64, bool) {
	if v := r.Header.Get(echo.HeaderContentLength); v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	// In-process requests may carry the length only in the field.
	if r.ContentLength > 0 {
		return r.ContentLength, true
	}
	return 0, false
}

// readText reads the body to EOF in arrival order and decodes it as UTF-8,
// replacing invalid sequences.
func readText(body io.Reader) (string, error) {
	if body == nil {
		return "", nil
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read request body: %w", err)
	}
	return strings.ToValidUTF8(string(b), "\uFFFD"), nil
}
