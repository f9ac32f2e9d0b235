package front

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/chatgate/internal/billing"
	"github.com/router-for-me/chatgate/internal/config"
	"github.com/router-for-me/chatgate/internal/gate"
	"github.com/router-for-me/chatgate/internal/kvstore"
	"github.com/router-for-me/chatgate/internal/ratelimit"
	"github.com/router-for-me/chatgate/internal/security"
	"github.com/router-for-me/chatgate/internal/subscription"
)

const jwtSecret = "front-test-secret"

type stubFetcher struct {
	calls    atomic.Int32
	entitled atomic.Bool
}

func (f *stubFetcher) FetchEntitlement(_ context.Context, externalID string) (*billing.CustomerState, error) {
	f.calls.Add(1)
	state := &billing.CustomerState{ExternalID: externalID}
	if f.entitled.Load() {
		state.ActiveSubscriptions = []billing.Subscription{{ID: "sub_1", Status: "active"}}
	}
	return state, nil
}

type stubBilling struct{}

func (stubBilling) CreateCheckoutSession(context.Context, billing.CheckoutParams) (*billing.Session, error) {
	return &billing.Session{ID: "co_1", URL: "https://pay.example.com/co_1"}, nil
}

func (stubBilling) CreatePortalSession(_ context.Context, externalID string) (*billing.Session, error) {
	return &billing.Session{ID: "cs_1", URL: "https://portal.example.com/" + externalID}, nil
}

func (stubBilling) DeleteCustomer(context.Context, string) (bool, error) {
	return true, nil
}

type testServer struct {
	engine   *gin.Engine
	service  *gate.Service
	fetcher  *stubFetcher
	verifier *billing.WebhookVerifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fetcher := &stubFetcher{}
	cache, err := subscription.New(kvstore.NewMemoryStore(nil), fetcher, subscription.Options{MemoTTL: -1})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(cache.Close)
	verifier, _ := billing.NewWebhookVerifier("whsec_c2VjcmV0LWtleQ==", time.Minute, nil)
	service, err := gate.New(gate.Options{
		Limiter:       ratelimit.NewManager(ratelimit.NewMemoryLimiter(), cache, nil, ratelimit.NewKeyBuilder("t:rl"), nil),
		Subscriptions: cache,
		Billing:       stubBilling{},
		Verifier:      verifier,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	engine := gin.New()
	RegisterFrontRoutes(engine, service, config.JWTConfig{Secret: jwtSecret, Expiry: time.Hour})
	return &testServer{engine: engine, service: service, fetcher: fetcher, verifier: verifier}
}

func (s *testServer) do(t *testing.T, method, path, token string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func userToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := security.IssueUserToken(jwtSecret, userID, userID+"@example.com", "", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestGateCheckAnonymousExhaustsLevel0(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"tier":"level0"}`)
	for i := 0; i < 5; i++ {
		if w := s.do(t, http.MethodPost, "/v1/gate/check", "", body, nil); w.Code != http.StatusOK {
			t.Fatalf("expected 200 on call %d, got %d", i, w.Code)
		}
	}
	w := s.do(t, http.MethodPost, "/v1/gate/check", "", body, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if s.fetcher.calls.Load() != 0 {
		t.Fatalf("expected no entitlement lookups for anonymous callers")
	}
}

func TestGateCheckSubscriberIsUnlimited(t *testing.T) {
	s := newTestServer(t)
	s.fetcher.entitled.Store(true)
	token := userToken(t, "paid")
	for i := 0; i < 10; i++ {
		w := s.do(t, http.MethodPost, "/v1/gate/check", token, []byte(`{"tier":"level0"}`), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200 on call %d, got %d", i, w.Code)
		}
	}
	w := s.do(t, http.MethodPost, "/v1/gate/check", token, []byte(`{"tier":"level0"}`), nil)
	var decision ratelimit.Decision
	if err := json.Unmarshal(w.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decision.Entitled || decision.Daily.Limit != 1_000_000 {
		t.Fatalf("expected unlimited decision, got %+v", decision)
	}
}

func TestGateCheckRejectsUnknownTier(t *testing.T) {
	s := newTestServer(t)
	if w := s.do(t, http.MethodPost, "/v1/gate/check", "", []byte(`{"tier":"gold"}`), nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGateAuthSubrequest(t *testing.T) {
	s := newTestServer(t)
	header := http.Header{}
	header.Set("X-Chat-Tier", "level1")
	for i := 0; i < 10; i++ {
		w := s.do(t, http.MethodGet, "/v1/gate/auth", "", nil, header)
		if w.Code != http.StatusNoContent {
			t.Fatalf("expected 204 on call %d, got %d", i, w.Code)
		}
	}
	w := s.do(t, http.MethodGet, "/v1/gate/auth", "", nil, header)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", w.Code)
	}

	header.Set("X-Chat-Tier", "platinum")
	if w := s.do(t, http.MethodGet, "/v1/gate/auth", "", nil, header); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown tier header, got %d", w.Code)
	}
}

func TestTiersListsTable(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/v1/gate/tiers", "", nil, nil)
	var body struct {
		Tiers []ratelimit.TierPolicy `json:"tiers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tiers) != 6 || body.Tiers[2].Policy.Hourly != 20 {
		t.Fatalf("unexpected tiers %+v", body.Tiers)
	}
}

func TestSubscriptionRoutes(t *testing.T) {
	s := newTestServer(t)
	s.fetcher.entitled.Store(true)
	token := userToken(t, "user-1")

	w := s.do(t, http.MethodGet, "/v1/subscription", token, nil, nil)
	var status gate.SubscriptionStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.Code != http.StatusOK || !status.Subscribed || len(status.Subscriptions) != 1 {
		t.Fatalf("unexpected subscription response %d %+v", w.Code, status)
	}

	w = s.do(t, http.MethodGet, "/v1/subscription", "", nil, nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"anonymous":true`)) {
		t.Fatalf("expected anonymous status, got %d %s", w.Code, w.Body.String())
	}

	if w = s.do(t, http.MethodPost, "/v1/subscription/checkout", "", nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous checkout, got %d", w.Code)
	}
	w = s.do(t, http.MethodPost, "/v1/subscription/checkout", token, []byte(`{"success_url":"https://chat.example.com/ok"}`), nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("pay.example.com")) {
		t.Fatalf("expected checkout url, got %d %s", w.Code, w.Body.String())
	}

	w = s.do(t, http.MethodPost, "/v1/subscription/checkout/success", token, nil, nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"subscribed":true`)) {
		t.Fatalf("expected refreshed subscription, got %d %s", w.Code, w.Body.String())
	}
	if got := s.fetcher.calls.Load(); got != 2 {
		t.Fatalf("expected checkout success to force one refetch, got %d fetches", got)
	}
}

func TestWebhookRoute(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"type":"subscription.revoked","data":{"customer":{"external_id":"user-2"}}}`)
	now := time.Now()
	header := http.Header{}
	header.Set(billing.HeaderWebhookID, "msg_1")
	header.Set(billing.HeaderWebhookTimestamp, strconv.FormatInt(now.Unix(), 10))
	header.Set(billing.HeaderWebhookSignature, s.verifier.Sign("msg_1", now, body))

	w := s.do(t, http.MethodPost, "/v1/billing/webhook", "", body, header)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", w.Code, w.Body.String())
	}
	s.service.Wait()

	header.Set(billing.HeaderWebhookSignature, "v1,AAAA")
	if w = s.do(t, http.MethodPost, "/v1/billing/webhook", "", body, header); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", w.Code)
	}

	bad := []byte(`not json`)
	header.Set(billing.HeaderWebhookSignature, s.verifier.Sign("msg_1", now, bad))
	if w = s.do(t, http.MethodPost, "/v1/billing/webhook", "", bad, header); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed payload, got %d", w.Code)
	}
}
