package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signup-site-go/internal/config"
	"signup-site-go/internal/dispatch"
	"signup-site-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the dispatcher.
func RegisterRoutes(d *dispatch.Dispatcher, cfg *config.Config, m *metrics.Metrics, signup *SignupHandler, payments *PaymentsHandler, health *HealthHandler) {
	d.Handle("/healthz", health.Healthz)
	d.Handle("/site/status", health.Status)

	d.Route("/enterprise", signup.Landing)
	d.Route("/enterprise-signup", signup.Step1)
	d.Route("/enterprise-contact-me", signup.ContactMe)
	d.Route("/enterprise-signup-2", signup.Step2)
	d.Route("/enterprise-signup-3", signup.Step3)
	d.Route("/enterprise-verify", signup.Verify)
	d.Route("/payments/enterprise-starter", payments.Handle)

	if cfg.Metrics.Enabled && m != nil {
		d.Handle(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
