package gateway

import (
	"encoding/json"
	"strings"

	paymentdomain "github.com/lumacrm/ledger/internal/payment/domain"
	"github.com/shopspring/decimal"
)

// Webhook event types delivered by the gateway. Anything else is ignored,
// not rejected, so the gateway can add event types without breaking us.
const (
	EventSessionCompleted = "checkout.session.completed"
	EventSessionFailed    = "checkout.session.failed"
)

// Event is the canonical webhook payload after parsing.
type Event struct {
	ID        string
	Type      string
	SessionID string
	OwnerID   string
	Amount    decimal.Decimal
	Currency  string
	Reason    string
}

type webhookEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		SessionID string `json:"session_id"`
		AccountID string `json:"account_id"`
		Amount    string `json:"amount"`
		Currency  string `json:"currency"`
		Reason    string `json:"reason"`
	} `json:"data"`
}

// ErrEventIgnored marks event types this service does not consume.
var ErrEventIgnored = paymentdomain.ErrSessionNotPayable

// ParseEvent decodes and validates a webhook payload. Signature verification
// must already have happened.
func ParseEvent(payload []byte) (*Event, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, paymentdomain.ErrVerificationFailed
	}

	eventType := strings.TrimSpace(envelope.Type)
	switch eventType {
	case EventSessionCompleted, EventSessionFailed:
	default:
		return nil, ErrEventIgnored
	}

	sessionID := strings.TrimSpace(envelope.Data.SessionID)
	if sessionID == "" {
		return nil, paymentdomain.ErrInvalidSession
	}

	event := &Event{
		ID:        strings.TrimSpace(envelope.ID),
		Type:      eventType,
		SessionID: sessionID,
		OwnerID:   strings.TrimSpace(envelope.Data.AccountID),
		Currency:  strings.TrimSpace(envelope.Data.Currency),
		Reason:    strings.TrimSpace(envelope.Data.Reason),
	}

	if eventType == EventSessionCompleted {
		if event.OwnerID == "" {
			return nil, paymentdomain.ErrInvalidAccountRef
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(envelope.Data.Amount))
		if err != nil || !amount.IsPositive() {
			return nil, paymentdomain.ErrInvalidAmount
		}
		event.Amount = amount
	}

	return event, nil
}
