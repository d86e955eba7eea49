// Package billing resolves a tenant's subscription tier.
//
// In production the lookup goes to the billing service over HTTP; deployments
// without one (development, single-operator installs) use the static
// resolver.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/perch-run/perch/common/trace"
	"github.com/perch-run/perch/internal/perch/tiers"
)

const defaultTimeout = 10 * time.Second

// Resolver answers which tier a tenant is subscribed to.
type Resolver interface {
	TierFor(ctx context.Context, tenantID string) (tiers.Tier, error)
}

// Client is an HTTP resolver against the billing service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a billing client targeting the given base URL
// (e.g. "http://billing.internal:8080").
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

type subscriptionResponse struct {
	TenantID string `json:"tenant_id"`
	Tier     string `json:"tier"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// TierFor calls GET /v1/tenants/{id}/subscription. Unknown tenants resolve
// to the free tier rather than an error: every tenant can run a pooled
// instance before billing knows about them.
func (c *Client) TierFor(ctx context.Context, tenantID string) (tiers.Tier, error) {
	url := fmt.Sprintf("%s/v1/tenants/%s/subscription", c.baseURL, tenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("billing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return tiers.TierFree, nil
	case resp.StatusCode >= 400:
		var errResp errorResponse
		if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error != "" {
			return "", fmt.Errorf("billing GET %s → %d: %s", req.URL.Path, resp.StatusCode, errResp.Error)
		}
		return "", fmt.Errorf("billing GET %s → %d", req.URL.Path, resp.StatusCode)
	}

	var sub subscriptionResponse
	if err := json.Unmarshal(body, &sub); err != nil {
		return "", fmt.Errorf("unmarshal subscription: %w", err)
	}
	tier := tiers.Tier(sub.Tier)
	if !tier.Valid() {
		return "", fmt.Errorf("billing returned unknown tier %q for tenant %s", sub.Tier, tenantID)
	}
	return tier, nil
}

// Static resolves every tenant to a fixed tier. Used when no billing
// service is configured.
type Static struct {
	Tier tiers.Tier
}

// TierFor returns the configured tier.
func (s Static) TierFor(_ context.Context, _ string) (tiers.Tier, error) {
	return s.Tier, nil
}
