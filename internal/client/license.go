package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"signup-site-go/internal/config"
	"signup-site-go/internal/model"
)

const serviceLicense = "license"

// LicenseClient talks to the license API: customers, trials and licenses.
type LicenseClient struct {
	upstream *Upstream
	baseURL  string
	logger   *slog.Logger
}

// NewLicenseClient creates a LicenseClient.
func NewLicenseClient(cfg *config.Config, u *Upstream, logger *slog.Logger) *LicenseClient {
	return &LicenseClient{
		upstream: u,
		baseURL:  strings.TrimRight(cfg.License.BaseURL, "/"),
		logger:   logger.With("component", "license_client"),
	}
}

// GetCustomer looks a customer up by email or id. A missing customer is
// reported as (nil, nil).
func (c *LicenseClient) GetCustomer(ctx context.Context, emailOrID string) (*model.Customer, error) {
	var cust model.Customer
	err := c.call(ctx, http.MethodGet, "/customer/"+url.PathEscape(emailOrID), nil, &cust)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cust, nil
}

// CreateCustomer creates a customer record.
func (c *LicenseClient) CreateCustomer(ctx context.Context, nc model.NewCustomer) (*model.Customer, error) {
	var cust model.Customer
	if err := c.call(ctx, http.MethodPut, "/customer", nc, &cust); err != nil {
		return nil, err
	}
	return &cust, nil
}

// GetTrialByEmail returns the customer's trial of productID, or ErrNotFound.
func (c *LicenseClient) GetTrialByEmail(ctx context.Context, productID, email string) (*model.Trial, error) {
	var trial model.Trial
	path := "/trial/" + url.PathEscape(productID) + "/" + url.PathEscape(email)
	if err := c.call(ctx, http.MethodGet, path, nil, &trial); err != nil {
		return nil, err
	}
	return &trial, nil
}

// CreateTrial starts a trial. The returned trial carries its verification key.
func (c *LicenseClient) CreateTrial(ctx context.Context, nt model.NewTrial) (*model.Trial, error) {
	var trial model.Trial
	if err := c.call(ctx, http.MethodPut, "/trial", nt, &trial); err != nil {
		return nil, err
	}
	return &trial, nil
}

// GetTrialByKey returns the trial a verification key belongs to, or ErrNotFound.
func (c *LicenseClient) GetTrialByKey(ctx context.Context, key string) (*model.Trial, error) {
	var trial model.Trial
	if err := c.call(ctx, http.MethodGet, "/trial/"+url.PathEscape(key), nil, &trial); err != nil {
		return nil, err
	}
	return &trial, nil
}

// VerifyTrial marks a trial verified, which also issues its license.
func (c *LicenseClient) VerifyTrial(ctx context.Context, trialID string) (*model.Trial, error) {
	var trial model.Trial
	if err := c.call(ctx, http.MethodPut, "/trial/"+url.PathEscape(trialID)+"/verification", nil, &trial); err != nil {
		return nil, err
	}
	return &trial, nil
}

// GetLicenses lists the customer's licenses for productID. No licenses is
// an empty slice, not an error.
func (c *LicenseClient) GetLicenses(ctx context.Context, productID, customerID string) ([]model.License, error) {
	var licenses []model.License
	path := "/license/" + url.PathEscape(productID) + "/" + url.PathEscape(customerID)
	err := c.call(ctx, http.MethodGet, path, nil, &licenses)
	if errors.Is(err, ErrNotFound) {
		return []model.License{}, nil
	}
	if err != nil {
		return nil, err
	}
	return licenses, nil
}

// call sends in as JSON (when non-nil) and decodes a 200 response into out.
func (c *LicenseClient) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build license request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.upstream.Do(serviceLicense, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		c.logger.Warn("license api error", "method", method, "status", resp.StatusCode)
		return fmt.Errorf("%w: %s %s returned %d", ErrUnexpectedStatus, method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
