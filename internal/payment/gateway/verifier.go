// Package gateway holds the integration with the external payment gateway:
// webhook signature verification, webhook payload parsing, and the client
// used by the manual confirm path to re-fetch session details. Everything
// here runs outside the ledger's database transactions.
package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/lumacrm/ledger/internal/payment/domain"
)

// SignatureHeader carries the webhook signature in the form
// "t=<unix>,v1=<hex hmac>". The signed payload is "<t>.<body>".
const SignatureHeader = "X-Gateway-Signature"

const defaultTolerance = 5 * time.Minute

// Verifier checks webhook payload signatures against the shared secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	return &Verifier{
		secret:    strings.TrimSpace(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Verify validates the HMAC signature and the timestamp freshness of a
// webhook delivery.
func (v *Verifier) Verify(payload []byte, headers http.Header) error {
	if v.secret == "" {
		return paymentdomain.ErrVerificationFailed
	}

	sigHeader := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHeader == "" {
		return paymentdomain.ErrVerificationFailed
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return paymentdomain.ErrVerificationFailed
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return paymentdomain.ErrVerificationFailed
	}
	age := v.now().UTC().Sub(time.Unix(ts, 0))
	if age > v.tolerance || age < -v.tolerance {
		return paymentdomain.ErrVerificationFailed
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(v.secret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrVerificationFailed
}

func parseSignatureHeader(header string) (string, []string, error) {
	var timestamp string
	var signatures []string

	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		return "", nil, fmt.Errorf("malformed signature header")
	}
	return timestamp, signatures, nil
}
