// Package billing integrates with the Stripe REST API for checkout, billing
// portal, and subscription state.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultBaseURL = "https://api.stripe.com/v1"

// Client is a minimal Stripe API client covering the endpoints the license
// server needs. Requests are form-encoded per the Stripe API convention.
type Client struct {
	httpClient *http.Client
	baseURL    string
	secretKey  string
	logger     zerolog.Logger
}

// NewClient creates a Stripe client authenticated with the given secret key.
func NewClient(secretKey string, logger zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    defaultBaseURL,
		secretKey:  secretKey,
		logger:     logger.With().Str("component", "billing").Logger(),
	}
}

// apiError is the error envelope Stripe returns on non-2xx responses.
type apiError struct {
	Err struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("stripe request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read stripe response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var stripeErr apiError
		if json.Unmarshal(body, &stripeErr) == nil && stripeErr.Err.Message != "" {
			return fmt.Errorf("stripe API error (%d): %s", resp.StatusCode, stripeErr.Err.Message)
		}
		return fmt.Errorf("stripe API error: status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode stripe response: %w", err)
		}
	}
	return nil
}

// CheckoutSession is a created Stripe Checkout session.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCheckoutSession starts a subscription checkout for a customer. The
// client reference id carries the internal user id back on the webhook.
func (c *Client) CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL, clientReferenceID string) (*CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("customer", customerID)
	form.Set("line_items[0][price]", priceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", successURL)
	form.Set("cancel_url", cancelURL)
	form.Set("client_reference_id", clientReferenceID)

	var session CheckoutSession
	if err := c.postForm(ctx, "/checkout/sessions", form, &session); err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &session, nil
}

// PortalSession is a created Stripe billing portal session.
type PortalSession struct {
	URL string `json:"url"`
}

// CreatePortalSession opens the self-service billing portal for a customer.
func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*PortalSession, error) {
	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("return_url", returnURL)

	var session PortalSession
	if err := c.postForm(ctx, "/billing_portal/sessions", form, &session); err != nil {
		return nil, fmt.Errorf("create portal session: %w", err)
	}
	return &session, nil
}

// CreateCustomer registers a Stripe customer for an internal user and
// returns the customer id.
func (c *Client) CreateCustomer(ctx context.Context, email, userID string) (string, error) {
	form := url.Values{}
	form.Set("email", email)
	form.Set("metadata[user_id]", userID)

	var customer struct {
		ID string `json:"id"`
	}
	if err := c.postForm(ctx, "/customers", form, &customer); err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	return customer.ID, nil
}

// SubscriptionInfo is the subset of a Stripe subscription the license server
// mirrors.
type SubscriptionInfo struct {
	ID                 string
	Status             string
	PriceID            string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
}

type subscriptionPayload struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (p *subscriptionPayload) info() *SubscriptionInfo {
	info := &SubscriptionInfo{
		ID:                 p.ID,
		Status:             p.Status,
		CurrentPeriodStart: epochToTime(p.CurrentPeriodStart),
		CurrentPeriodEnd:   epochToTime(p.CurrentPeriodEnd),
		CancelAtPeriodEnd:  p.CancelAtPeriodEnd,
	}
	if len(p.Items.Data) > 0 {
		info.PriceID = p.Items.Data[0].Price.ID
	}
	return info
}

// GetSubscription fetches the current state of a subscription.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionInfo, error) {
	var payload subscriptionPayload
	if err := c.get(ctx, "/subscriptions/"+subscriptionID, &payload); err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return payload.info(), nil
}

func epochToTime(epoch int64) *time.Time {
	if epoch == 0 {
		return nil
	}
	t := time.Unix(epoch, 0).UTC()
	return &t
}
