// Package client provides the HTTP clients for the CRM, license and payment APIs.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"signup-site-go/internal/config"
	"signup-site-go/internal/metrics"
)

var (
	// ErrNotFound is returned when the upstream answers 404 for a lookup.
	ErrNotFound = errors.New("not found")
	// ErrUnexpectedStatus is returned for any status the caller does not accept.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// secretPattern matches path segments that carry verification keys or addresses.
var secretPattern = regexp.MustCompile(`(/trial/|/customer/)[^\s"?]+`)

// Sanitize redacts trial keys and customer identifiers from error text, which
// may embed upstream URLs.
func Sanitize(err error) string {
	return secretPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}

// Upstream is the pooled HTTP client shared by every API client.
type Upstream struct {
	httpClient *http.Client
	noRedirect *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstream creates an Upstream with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstream(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Upstream {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.License.IdleConnections,
		MaxIdleConnsPerHost: cfg.License.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	timeout := time.Duration(cfg.License.TimeoutSeconds) * time.Second

	return &Upstream{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		noRedirect: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream"),
		metrics: m,
	}
}

// Do sends req on behalf of service and records its latency and status.
// The caller is responsible for closing the response body.
func (u *Upstream) Do(service string, req *http.Request) (*http.Response, error) {
	return u.do(u.httpClient, service, req)
}

// DoNoRedirect is Do without following redirects; a 3xx is returned as is.
func (u *Upstream) DoNoRedirect(service string, req *http.Request) (*http.Response, error) {
	return u.do(u.noRedirect, service, req)
}

func (u *Upstream) do(hc *http.Client, service string, req *http.Request) (*http.Response, error) {
	u.logger.Debug("upstream request",
		"service", service,
		"method", req.Method,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := hc.Do(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if u.metrics != nil {
			u.metrics.UpstreamDuration.WithLabelValues(service, method).Observe(duration)
		}
		return nil, fmt.Errorf("%s request: %w", service, err)
	}

	if u.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		u.metrics.UpstreamDuration.WithLabelValues(service, method).Observe(duration)
		u.metrics.UpstreamResponses.WithLabelValues(service, method, status).Inc()
	}

	return resp, nil
}
