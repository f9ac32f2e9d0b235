package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{
		BaseURL:     server.URL,
		AccessToken: "tok",
		ProductID:   "prod-1",
		SuccessURL:  "https://chat.example/success",
	}, server.Client())
}

func TestFetchEntitlementActive(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/v1/customers/external/user%2F1/state" {
			t.Errorf("unexpected path %q", r.URL.EscapedPath())
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", got)
		}
		_, _ = w.Write([]byte(`{"id":"c1","external_id":"user/1","active_subscriptions":[{"id":"s1","status":"active"}]}`))
	})

	state, err := client.FetchEntitlement(context.Background(), "user/1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !state.Entitled() {
		t.Fatalf("expected entitled state")
	}
	if state.ActiveSubscriptions[0].ID != "s1" {
		t.Fatalf("unexpected subscription %+v", state.ActiveSubscriptions[0])
	}
}

func TestFetchEntitlementNoSubscriptions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"c1","external_id":"u","active_subscriptions":[]}`))
	})
	state, err := client.FetchEntitlement(context.Background(), "u")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if state.Entitled() {
		t.Fatalf("expected not entitled")
	}
}

func TestFetchEntitlementErrorClasses(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		notFound  bool
		transient bool
	}{
		{name: "not found", status: http.StatusNotFound, notFound: true},
		{name: "forbidden", status: http.StatusForbidden, transient: true},
		{name: "throttled", status: http.StatusTooManyRequests, transient: true},
		{name: "server error", status: http.StatusBadGateway, transient: true},
		{name: "unauthorized", status: http.StatusUnauthorized, transient: true},
		{name: "bad request", status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			})
			_, err := client.FetchEntitlement(context.Background(), "u")
			if err == nil {
				t.Fatalf("expected error for status %d", tc.status)
			}
			if got := errors.Is(err, ErrCustomerNotFound); got != tc.notFound {
				t.Fatalf("expected not found=%v, got %v (%v)", tc.notFound, got, err)
			}
			if got := IsTransient(err); got != tc.transient {
				t.Fatalf("expected transient=%v, got %v (%v)", tc.transient, got, err)
			}
		})
	}
}

func TestFetchEntitlementNetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	client := NewClient(Config{BaseURL: baseURL}, nil)
	_, err := client.FetchEntitlement(context.Background(), "u")
	if err == nil || !IsTransient(err) {
		t.Fatalf("expected transient network error, got %v", err)
	}
}

func TestFetchEntitlementTimeout(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.FetchEntitlement(ctx, "u")
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestFetchEntitlementMalformedBodyIsUnexpected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"active_subscriptions":`))
	})
	_, err := client.FetchEntitlement(context.Background(), "u")
	if err == nil || IsTransient(err) || IsTimeout(err) || errors.Is(err, ErrCustomerNotFound) {
		t.Fatalf("expected unclassified decode error, got %v", err)
	}
}

func TestCreateCheckoutSession(t *testing.T) {
	var payload map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/checkouts/" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"co_1","url":"https://pay.example/co_1"}`))
	})

	session, err := client.CreateCheckoutSession(context.Background(), CheckoutParams{
		ExternalID: "u1",
		Email:      "u1@example.com",
		Name:       "User One",
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if session.URL != "https://pay.example/co_1" {
		t.Fatalf("unexpected url %q", session.URL)
	}
	if payload["external_customer_id"] != "u1" || payload["customer_name"] != "User One" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if payload["success_url"] != "https://chat.example/success" {
		t.Fatalf("expected default success url, got %v", payload["success_url"])
	}
	products, _ := payload["products"].([]any)
	if len(products) != 1 || products[0] != "prod-1" {
		t.Fatalf("expected configured product, got %v", payload["products"])
	}
}

func TestCreateCheckoutSessionRequiresEmail(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1"}, nil)
	if _, err := client.CreateCheckoutSession(context.Background(), CheckoutParams{ExternalID: "u"}); err == nil {
		t.Fatalf("expected missing email error")
	}
}

func TestCreatePortalSession(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/customer-sessions/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"cs_1","customer_portal_url":"https://pay.example/portal"}`))
	})
	session, err := client.CreatePortalSession(context.Background(), "u1")
	if err != nil {
		t.Fatalf("portal: %v", err)
	}
	if session.URL != "https://pay.example/portal" {
		t.Fatalf("unexpected url %q", session.URL)
	}
}

func TestDeleteCustomer(t *testing.T) {
	deleted := map[string]bool{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.URL.Path == "/v1/customers/external/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		deleted[r.URL.Path] = true
		w.WriteHeader(http.StatusNoContent)
	})

	ok, err := client.DeleteCustomer(context.Background(), "u1")
	if err != nil || !ok {
		t.Fatalf("expected delete to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = client.DeleteCustomer(context.Background(), "missing")
	if err != nil || ok {
		t.Fatalf("expected missing customer to return false, got ok=%v err=%v", ok, err)
	}
	if !deleted["/v1/customers/external/u1"] {
		t.Fatalf("expected delete request for u1")
	}
}
