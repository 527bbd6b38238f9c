package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	paymentdomain "github.com/lumacrm/ledger/internal/payment/domain"
	"github.com/shopspring/decimal"
)

// Session statuses reported by the gateway's checkout API.
const (
	CheckoutStatusPending   = "pending"
	CheckoutStatusCompleted = "completed"
	CheckoutStatusFailed    = "failed"
	CheckoutStatusExpired   = "expired"
)

// CheckoutSession is the gateway's view of a payment session, fetched by the
// manual confirm path.
type CheckoutSession struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	OwnerID  string          `json:"account_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Reason   string          `json:"reason"`
}

// Client fetches session details from the gateway. The network call is slow
// and unreliable; callers must never hold a database transaction open across
// it.
type Client interface {
	FetchSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
}

// HTTPClient talks to the gateway's REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) FetchSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, paymentdomain.ErrInvalidSession
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("gateway base url not configured")
	}

	endpoint := fmt.Sprintf("%s/v1/checkout/sessions/%s", c.baseURL, url.PathEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch session %s: %w", sessionID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, paymentdomain.ErrSessionNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("gateway returned status %d for session %s", resp.StatusCode, sessionID)
	}

	var session CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	if strings.TrimSpace(session.ID) == "" {
		session.ID = sessionID
	}
	return &session, nil
}
