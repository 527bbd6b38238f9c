package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	paymentdomain "github.com/lumacrm/ledger/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedHeader(secret string, ts time.Time, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func newTestVerifier(secret string, at time.Time) *Verifier {
	v := NewVerifier(secret, 5*time.Minute)
	v.now = func() time.Time { return at }
	return v
}

func TestVerify_ValidSignature(t *testing.T) {
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"id":"evt_1"}`)

	v := newTestVerifier("whsec_test", at)
	headers := http.Header{}
	headers.Set(SignatureHeader, signedHeader("whsec_test", at, payload))

	require.NoError(t, v.Verify(payload, headers))
}

func TestVerify_WrongSecret(t *testing.T) {
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"id":"evt_1"}`)

	v := newTestVerifier("whsec_test", at)
	headers := http.Header{}
	headers.Set(SignatureHeader, signedHeader("whsec_other", at, payload))

	assert.ErrorIs(t, v.Verify(payload, headers), paymentdomain.ErrVerificationFailed)
}

func TestVerify_TamperedPayload(t *testing.T) {
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	v := newTestVerifier("whsec_test", at)
	headers := http.Header{}
	headers.Set(SignatureHeader, signedHeader("whsec_test", at, []byte(`{"amount":"10"}`)))

	assert.ErrorIs(t, v.Verify([]byte(`{"amount":"9999"}`), headers), paymentdomain.ErrVerificationFailed)
}

func TestVerify_StaleTimestamp(t *testing.T) {
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"id":"evt_1"}`)

	v := newTestVerifier("whsec_test", at)
	headers := http.Header{}
	headers.Set(SignatureHeader, signedHeader("whsec_test", at.Add(-6*time.Minute), payload))

	assert.ErrorIs(t, v.Verify(payload, headers), paymentdomain.ErrVerificationFailed)

	// A timestamp too far in the future is rejected the same way.
	headers.Set(SignatureHeader, signedHeader("whsec_test", at.Add(6*time.Minute), payload))
	assert.ErrorIs(t, v.Verify(payload, headers), paymentdomain.ErrVerificationFailed)
}

func TestVerify_MissingOrMalformedHeader(t *testing.T) {
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"id":"evt_1"}`)
	v := newTestVerifier("whsec_test", at)

	assert.ErrorIs(t, v.Verify(payload, http.Header{}), paymentdomain.ErrVerificationFailed)

	headers := http.Header{}
	headers.Set(SignatureHeader, "v1=deadbeef")
	assert.ErrorIs(t, v.Verify(payload, headers), paymentdomain.ErrVerificationFailed)

	headers.Set(SignatureHeader, "t=notanumber,v1=deadbeef")
	assert.ErrorIs(t, v.Verify(payload, headers), paymentdomain.ErrVerificationFailed)
}

func TestVerify_EmptySecretRejectsEverything(t *testing.T) {
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"id":"evt_1"}`)

	v := newTestVerifier("", at)
	headers := http.Header{}
	headers.Set(SignatureHeader, signedHeader("", at, payload))

	assert.ErrorIs(t, v.Verify(payload, headers), paymentdomain.ErrVerificationFailed)
}

func TestVerify_AcceptsAnyListedSignature(t *testing.T) {
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"id":"evt_1"}`)

	v := newTestVerifier("whsec_test", at)
	valid := signedHeader("whsec_test", at, payload)
	headers := http.Header{}
	headers.Set(SignatureHeader, valid+",v1=deadbeef")

	require.NoError(t, v.Verify(payload, headers))
}
