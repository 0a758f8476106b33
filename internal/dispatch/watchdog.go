package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"

	"signup-site-go/internal/config"
	"signup-site-go/internal/metrics"
)

// ErrTimeout is reported when a request outlives the watchdog's first stage.
var ErrTimeout = errors.New("request timed out")

const timeoutBody = "Request timed out\n"

// Watchdog bounds how long a request may run. Stage one answers the client
// with a 500, cancels the request context and discards further handler
// output. Stage two, Grace later, tears the connection down if the handler
// still has not returned.
//
// The flush timer forces buffered output out when a handler has started a
// response but not finished it.
type Watchdog struct {
	Timeout    time.Duration
	Grace      time.Duration
	FlushAfter time.Duration

	// Abort runs stage two. The default panics with http.ErrAbortHandler,
	// which net/http answers by closing the connection.
	Abort func(c echo.Context)

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewWatchdog creates a Watchdog from the dispatch config.
// The metrics parameter is optional; pass nil to disable recording.
func NewWatchdog(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Watchdog {
	return &Watchdog{
		Timeout:    cfg.Dispatch.Timeout(),
		Grace:      cfg.Dispatch.Grace(),
		FlushAfter: cfg.Dispatch.FlushAfter(),
		Abort:      abortConnection,
		logger:     logger.With("component", "watchdog"),
		metrics:    m,
	}
}

func abortConnection(echo.Context) {
	panic(http.ErrAbortHandler)
}

// Middleware returns the watchdog as Echo middleware. Install it with
// Echo.Pre so routing and the handler both run under it.
func (w *Watchdog) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if w.Timeout <= 0 {
				return next(c)
			}
			return w.guard(c, next)
		}
	}
}

type outcome struct {
	err      error
	panicked bool
	panicVal any
}

func (w *Watchdog) guard(c echo.Context, next echo.HandlerFunc) error {
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	c.SetRequest(c.Request().WithContext(ctx))

	res := c.Response()
	gw := newGuardedWriter(res.Writer)
	res.Writer = gw

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{panicked: true, panicVal: p}
			}
		}()
		err := next(c)
		done <- outcome{err: err}
	}()

	stall := time.NewTimer(w.Timeout)
	defer stall.Stop()

	var flush <-chan time.Time
	if w.FlushAfter > 0 {
		ft := time.NewTimer(w.FlushAfter)
		defer ft.Stop()
		flush = ft.C
	}

	for {
		select {
		case o := <-done:
			if o.panicked {
				panic(o.panicVal)
			}
			return o.err
		case <-flush:
			gw.flush()
			flush = nil
		case <-stall.C:
			return w.escalate(c, cancel, gw, done)
		}
	}
}

// escalate runs both stages once the first threshold has passed.
func (w *Watchdog) escalate(c echo.Context, cancel context.CancelFunc, gw *guardedWriter, done <-chan outcome) error {
	req := c.Request()
	sent := gw.timeout()
	cancel()

	w.logger.Error("request timed out",
		"method", req.Method,
		"path", req.URL.Path,
		"timeout", w.Timeout,
		"error_sent", sent,
	)
	w.count("stall")
	sentry.CaptureException(ErrTimeout)

	grace := time.NewTimer(w.Grace)
	defer grace.Stop()

	select {
	case o := <-done:
		if o.panicked {
			w.logger.Error("handler panicked after timeout", "path", req.URL.Path, "panic", o.panicVal)
		}
		// The handler has finished, so the Response is ours again.
		c.Response().Status = http.StatusInternalServerError
		c.Response().Committed = true
		return nil
	case <-grace.C:
		w.logger.Error("closing stalled connection", "path", req.URL.Path, "grace", w.Grace)
		w.count("abort")
		w.Abort(c)
		return nil
	}
}

func (w *Watchdog) count(stage string) {
	if w.metrics != nil {
		w.metrics.WatchdogEvents.WithLabelValues(stage).Inc()
	}
}

// guardedWriter serializes writes from the handler goroutine with the
// watchdog's timeout response and flushes. Handler header changes are staged
// in h and copied to the real writer when the header is written.
type guardedWriter struct {
	mu          sync.Mutex
	w           http.ResponseWriter
	h           http.Header
	wroteHeader bool
	timedOut    bool
}

func newGuardedWriter(w http.ResponseWriter) *guardedWriter {
	return &guardedWriter{w: w, h: w.Header().Clone()}
}

func (g *guardedWriter) Header() http.Header {
	return g.h
}

func (g *guardedWriter) WriteHeader(code int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timedOut || g.wroteHeader {
		return
	}
	g.writeHeaderLocked(code)
}

func (g *guardedWriter) Write(b []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	if !g.wroteHeader {
		g.writeHeaderLocked(http.StatusOK)
	}
	return g.w.Write(b)
}

// Flush implements http.Flusher for handlers that stream.
func (g *guardedWriter) Flush() {
	g.flush()
}

func (g *guardedWriter) writeHeaderLocked(code int) {
	dst := g.w.Header()
	for k := range dst {
		if _, ok := g.h[k]; !ok {
			delete(dst, k)
		}
	}
	for k, v := range g.h {
		dst[k] = v
	}
	g.w.WriteHeader(code)
	g.wroteHeader = true
}

// flush pushes buffered output to the client. It does nothing before the
// header is written, since flushing would commit an implicit 200.
func (g *guardedWriter) flush() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timedOut || !g.wroteHeader {
		return
	}
	_ = http.NewResponseController(g.w).Flush()
}

// timeout writes the 500 unless the handler already committed a response,
// and blocks every later handler write. It reports whether the 500 was sent.
func (g *guardedWriter) timeout() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.timedOut = true
	if g.wroteHeader {
		return false
	}
	g.wroteHeader = true

	h := g.w.Header()
	h.Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
	h.Set(echo.HeaderContentLength, strconv.Itoa(len(timeoutBody)))
	h.Set("Connection", "close")
	g.w.WriteHeader(http.StatusInternalServerError)
	_, _ = g.w.Write([]byte(timeoutBody))
	_ = http.NewResponseController(g.w).Flush()
	return true
}
