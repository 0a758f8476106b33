package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"signup-site-go/internal/config"
)

const serviceHubspot = "hubspot"

// HubspotClient submits CRM forms.
type HubspotClient struct {
	upstream *Upstream
	formsURL string
	portalID string
	logger   *slog.Logger
}

// NewHubspotClient creates a HubspotClient.
func NewHubspotClient(cfg *config.Config, u *Upstream, logger *slog.Logger) *HubspotClient {
	return &HubspotClient{
		upstream: u,
		formsURL: cfg.Hubspot.FormsURL,
		portalID: cfg.Hubspot.PortalID,
		logger:   logger.With("component", "hubspot_client"),
	}
}

// FormContext is sent as hs_context to tell the CRM which page a form came from.
type FormContext struct {
	PageName string `json:"pageName"`
}

// SubmitForm posts fields to the form identified by formGUID. The CRM answers
// 204, or 302 when the form has a redirect configured; both count as success.
func (c *HubspotClient) SubmitForm(ctx context.Context, formGUID string, fields url.Values, hsCtx *FormContext) error {
	body := url.Values{}
	for k, v := range fields {
		body[k] = v
	}
	if hsCtx != nil {
		b, err := json.Marshal(hsCtx)
		if err != nil {
			return fmt.Errorf("encode hs_context: %w", err)
		}
		body.Set("hs_context", string(b))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.formURL(formGUID), strings.NewReader(body.Encode()))
	if err != nil {
		return fmt.Errorf("build form request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.upstream.DoNoRedirect(serviceHubspot, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusFound:
		return nil
	default:
		c.logger.Warn("form submission rejected", "form", formGUID, "status", resp.StatusCode)
		return fmt.Errorf("%w: form %s returned %d", ErrUnexpectedStatus, formGUID, resp.StatusCode)
	}
}

func (c *HubspotClient) formURL(formGUID string) string {
	return strings.NewReplacer(
		":portal_id", url.PathEscape(c.portalID),
		":form_guid", url.PathEscape(formGUID),
	).Replace(c.formsURL)
}
