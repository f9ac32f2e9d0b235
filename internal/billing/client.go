package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	internalsettings "github.com/router-for-me/chatgate/internal/settings"
	log "github.com/sirupsen/logrus"
)

const maxErrorBody = 512

// Config holds billing authority connection settings.
type Config struct {
	BaseURL     string
	AccessToken string
	ProductID   string
	SuccessURL  string
	Timeout     time.Duration
}

// Subscription is one subscription reported by the billing authority.
type Subscription struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	ProductID         string     `json:"product_id"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
}

// CustomerState is the billing authority's view of a customer.
type CustomerState struct {
	ID                  string         `json:"id"`
	ExternalID          string         `json:"external_id"`
	Email               string         `json:"email"`
	ActiveSubscriptions []Subscription `json:"active_subscriptions"`
}

// Entitled reports whether the customer has any active subscription.
func (s *CustomerState) Entitled() bool {
	return s != nil && len(s.ActiveSubscriptions) > 0
}

// CheckoutParams describes a checkout session request.
type CheckoutParams struct {
	ExternalID string
	Email      string
	Name       string
	SuccessURL string
}

// Session is a hosted billing page the user is redirected to.
type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Client talks to the billing authority's HTTP API.
type Client struct {
	baseURL    string
	token      string
	productID  string
	successURL string
	client     *http.Client
}

// NewClient constructs a billing client. A nil httpClient uses one with the
// configured timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = internalsettings.DefaultBillingTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = internalsettings.DefaultBillingBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.AccessToken),
		productID:  strings.TrimSpace(cfg.ProductID),
		successURL: strings.TrimSpace(cfg.SuccessURL),
		client:     httpClient,
	}
}

// FetchEntitlement returns the customer state for an external customer id.
// A missing customer yields ErrCustomerNotFound.
func (c *Client) FetchEntitlement(ctx context.Context, externalID string) (*CustomerState, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, ErrCustomerNotFound
	}
	var state CustomerState
	path := "/v1/customers/external/" + url.PathEscape(externalID) + "/state"
	if errDo := c.do(ctx, "fetch customer state", http.MethodGet, path, nil, &state); errDo != nil {
		return nil, errDo
	}
	return &state, nil
}

// CreateCheckoutSession starts a hosted checkout for the configured product.
func (c *Client) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*Session, error) {
	if strings.TrimSpace(params.ExternalID) == "" {
		return nil, errors.New("billing: create checkout: missing external customer id")
	}
	if strings.TrimSpace(params.Email) == "" {
		return nil, errors.New("billing: create checkout: missing customer email")
	}
	successURL := strings.TrimSpace(params.SuccessURL)
	if successURL == "" {
		successURL = c.successURL
	}
	payload := map[string]any{
		"external_customer_id": params.ExternalID,
		"customer_email":       params.Email,
	}
	if c.productID != "" {
		payload["products"] = []string{c.productID}
	}
	if name := strings.TrimSpace(params.Name); name != "" {
		payload["customer_name"] = name
	}
	if successURL != "" {
		payload["success_url"] = successURL
	}
	var session Session
	if errDo := c.do(ctx, "create checkout", http.MethodPost, "/v1/checkouts/", payload, &session); errDo != nil {
		return nil, errDo
	}
	return &session, nil
}

// CreatePortalSession returns a customer portal link.
func (c *Client) CreatePortalSession(ctx context.Context, externalID string) (*Session, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, errors.New("billing: create portal: missing external customer id")
	}
	var resp struct {
		ID                string `json:"id"`
		CustomerPortalURL string `json:"customer_portal_url"`
	}
	payload := map[string]any{"external_customer_id": externalID}
	if errDo := c.do(ctx, "create portal", http.MethodPost, "/v1/customer-sessions/", payload, &resp); errDo != nil {
		return nil, errDo
	}
	return &Session{ID: resp.ID, URL: resp.CustomerPortalURL}, nil
}

// DeleteCustomer removes the customer. It returns false when the customer
// did not exist.
func (c *Client) DeleteCustomer(ctx context.Context, externalID string) (bool, error) {
	if strings.TrimSpace(externalID) == "" {
		return false, nil
	}
	path := "/v1/customers/external/" + url.PathEscape(externalID)
	errDo := c.do(ctx, "delete customer", http.MethodDelete, path, nil, nil)
	if errors.Is(errDo, ErrCustomerNotFound) {
		return false, nil
	}
	if errDo != nil {
		return false, errDo
	}
	return true, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any, out any) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("billing: %s: client not initialized", op)
	}
	var body io.Reader
	if payload != nil {
		raw, errMarshal := json.Marshal(payload)
		if errMarshal != nil {
			return fmt.Errorf("billing: %s: encode request: %w", op, errMarshal)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("billing: %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("billing: %s: request failed: %w", op, err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Warn("billing: close response body failed")
		}
	}()

	if resp.StatusCode == http.StatusNotFound {
		return ErrCustomerNotFound
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if errDecode := json.NewDecoder(resp.Body).Decode(out); errDecode != nil {
		return fmt.Errorf("billing: %s: decode response: %w", op, errDecode)
	}
	return nil
}
