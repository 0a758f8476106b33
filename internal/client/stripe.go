package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"signup-site-go/internal/config"
)

const serviceStripe = "stripe"

// stripeBodyLimit caps how much of a Stripe response is read.
const stripeBodyLimit = 64 << 10

// StripeClient creates subscription customers.
type StripeClient struct {
	upstream  *Upstream
	baseURL   string
	secretKey string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient.
func NewStripeClient(cfg *config.Config, u *Upstream, logger *slog.Logger) *StripeClient {
	return &StripeClient{
		upstream:  u,
		baseURL:   strings.TrimRight(cfg.Stripe.BaseURL, "/"),
		secretKey: cfg.Stripe.SecretKey,
		logger:    logger.With("component", "stripe_client"),
	}
}

// CreateCustomer subscribes the card token to plan and returns the new
// customer id.
func (c *StripeClient) CreateCustomer(ctx context.Context, card, plan, description string) (string, error) {
	form := url.Values{}
	form.Set("card", card)
	form.Set("plan", plan)
	form.Set("description", description)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/customers", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build stripe request: %w", err)
	}
	req.SetBasicAuth(c.secretKey, "")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.upstream.Do(serviceStripe, req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, stripeBodyLimit))
	if err != nil {
		return "", fmt.Errorf("read stripe response: %w", err)
	}

	if resp.StatusCode/100 != 2 {
		msg := gjson.GetBytes(body, "error.message").String()
		c.logger.Warn("stripe rejected customer", "status", resp.StatusCode, "message", msg)
		return "", fmt.Errorf("%w: stripe returned %d: %s", ErrUnexpectedStatus, resp.StatusCode, msg)
	}

	id := gjson.GetBytes(body, "id").String()
	if id == "" {
		return "", fmt.Errorf("%w: stripe response has no customer id", ErrUnexpectedStatus)
	}
	return id, nil
}
