package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Webhook signature headers.
const (
	HeaderWebhookID        = "webhook-id"
	HeaderWebhookTimestamp = "webhook-timestamp"
	HeaderWebhookSignature = "webhook-signature"
)

var (
	// ErrInvalidSignature indicates a webhook failed verification.
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
	// ErrStaleWebhook indicates a webhook timestamp outside the tolerance.
	ErrStaleWebhook = errors.New("billing: webhook timestamp outside tolerance")
	// ErrInvalidEvent indicates a verified webhook whose payload cannot be decoded.
	ErrInvalidEvent = errors.New("billing: invalid webhook payload")
)

// WebhookVerifier checks signed webhook deliveries.
type WebhookVerifier struct {
	key       []byte
	tolerance time.Duration
	nowFn     func() time.Time
}

// NewWebhookVerifier builds a verifier. Secrets prefixed "whsec_" are base64
// decoded; other secrets are used as raw bytes.
func NewWebhookVerifier(secret string, tolerance time.Duration, nowFn func() time.Time) (*WebhookVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("billing: empty webhook secret")
	}
	key := []byte(secret)
	if rest, ok := strings.CutPrefix(secret, "whsec_"); ok {
		decoded, errDecode := base64.StdEncoding.DecodeString(rest)
		if errDecode != nil {
			return nil, fmt.Errorf("billing: decode webhook secret: %w", errDecode)
		}
		key = decoded
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &WebhookVerifier{key: key, tolerance: tolerance, nowFn: nowFn}, nil
}

// Sign returns the signature header value for a payload.
func (v *WebhookVerifier) Sign(id string, ts time.Time, body []byte) string {
	return "v1," + v.signature(id, strconv.FormatInt(ts.Unix(), 10), body)
}

func (v *WebhookVerifier) signature(id, ts string, body []byte) string {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(id))
	mac.Write([]byte{'.'})
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks the delivery headers against body.
func (v *WebhookVerifier) Verify(header http.Header, body []byte) error {
	id := strings.TrimSpace(header.Get(HeaderWebhookID))
	tsRaw := strings.TrimSpace(header.Get(HeaderWebhookTimestamp))
	sigs := strings.TrimSpace(header.Get(HeaderWebhookSignature))
	if id == "" || tsRaw == "" || sigs == "" {
		return ErrInvalidSignature
	}
	ts, errParse := strconv.ParseInt(tsRaw, 10, 64)
	if errParse != nil {
		return ErrInvalidSignature
	}
	if v.tolerance > 0 {
		skew := v.nowFn().Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.tolerance {
			return ErrStaleWebhook
		}
	}

	expected := []byte(v.signature(id, tsRaw, body))
	for _, candidate := range strings.Fields(sigs) {
		version, sig, ok := strings.Cut(candidate, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Event is a billing webhook payload.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseEvent decodes a webhook body.
func ParseEvent(body []byte) (Event, error) {
	var ev Event
	if errUnmarshal := json.Unmarshal(body, &ev); errUnmarshal != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, errUnmarshal)
	}
	if strings.TrimSpace(ev.Type) == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	return ev, nil
}

// AffectsEntitlement reports whether the event may change a customer's
// subscription state.
func (e Event) AffectsEntitlement() bool {
	switch {
	case strings.HasPrefix(e.Type, "subscription."):
		return true
	case e.Type == "customer.state_changed", e.Type == "order.paid":
		return true
	}
	return false
}

// CustomerExternalID extracts the external customer id carried by the event.
func (e Event) CustomerExternalID() string {
	var data struct {
		ExternalID         string `json:"external_id"`
		CustomerExternalID string `json:"customer_external_id"`
		Customer           struct {
			ExternalID string `json:"external_id"`
		} `json:"customer"`
	}
	if len(e.Data) == 0 || json.Unmarshal(e.Data, &data) != nil {
		return ""
	}
	for _, candidate := range []string{data.Customer.ExternalID, data.CustomerExternalID, data.ExternalID} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
