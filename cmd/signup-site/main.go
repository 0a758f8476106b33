package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"signup-site-go/internal/client"
	"signup-site-go/internal/config"
	"signup-site-go/internal/dispatch"
	"signup-site-go/internal/handler"
	"signup-site-go/internal/keys"
	"signup-site-go/internal/mail"
	"signup-site-go/internal/metrics"
	"signup-site-go/internal/middleware"
	"signup-site-go/internal/service"
	"signup-site-go/internal/site"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("signup-site"),
		kong.Description("Enterprise trial signup and payments site."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			site.NewRenderer,
			newEcho,
			newDispatcher,
			dispatch.NewWatchdog,
			client.NewUpstream,
			client.NewHubspotClient,
			client.NewLicenseClient,
			client.NewStripeClient,
			mail.NewSMTPMailer,
			func(h *client.HubspotClient) service.CRM { return h },
			func(l *client.LicenseClient) service.Licenses { return l },
			func(m *mail.SMTPMailer) mail.Mailer { return m },
			keys.NewSigner,
			service.NewSignupService,
			handler.NewSignupHandler,
			handler.NewPaymentsHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(initSentry, handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, r *site.Renderer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks. The dispatch watchdog
	// bounds handler time, so WriteTimeout stays off.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	// Registered ahead of the dispatcher so redirects and watchdog timeouts
	// are logged and counted too.
	e.Pre(echomw.RequestID())
	e.Pre(middleware.RequestLogger(logger))
	e.Pre(middleware.MetricsMiddleware(m))
	e.Pre(middleware.SecurityHeaders())

	e.Use(echomw.Recover())
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit, logger))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	e.HTTPErrorHandler = site.ErrorHandler(logger)
	e.Renderer = r
	return e
}

func newDispatcher(e *echo.Echo, cfg *config.Config, wd *dispatch.Watchdog, m *metrics.Metrics, logger *slog.Logger) *dispatch.Dispatcher {
	return dispatch.New(e, dispatch.Options{
		HostCheck: site.CanonicalHost(cfg),
		Decorate:  site.Decorator(cfg, logger),
		Watchdog:  wd,
		Metrics:   m,
		Logger:    logger,
	})
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func initSentry(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Sentry.DSN == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		Release:     version,
	})
	if err != nil {
		return fmt.Errorf("sentry: %w", err)
	}
	logger.Info("error reporting enabled", "environment", cfg.Sentry.Environment)
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			sentry.Flush(2 * time.Second)
			return nil
		},
	})
	return nil
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "site_host", cfg.Site.Host)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
