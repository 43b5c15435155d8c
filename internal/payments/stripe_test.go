package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

const capturablePayload = `{
  "id": "evt_1",
  "object": "event",
  "type": "payment_intent.amount_capturable_updated",
  "data": {"object": {
    "id": "pi_1",
    "object": "payment_intent",
    "amount": 1000,
    "amount_capturable": 1000,
    "currency": "usd",
    "status": "requires_capture",
    "metadata": {"cart_id": "cart_1"}
  }}
}`

func TestStripeWebhookVerifier_Verify(t *testing.T) {
	v := StripeWebhookVerifier{Secret: "whsec_test"}
	payload := []byte(capturablePayload)

	evt, err := v.Verify(payload, sign(payload, "whsec_test", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", evt.ID)
	assert.Equal(t, EventAmountCapturableUpdated, evt.Type)
	require.NotNil(t, evt.Authorization)
	assert.Equal(t, "pi_1", evt.Authorization.ID)
	assert.Equal(t, int64(1000), evt.Authorization.Amount)
	assert.Equal(t, "usd", evt.Authorization.CurrencyCode)
	assert.Equal(t, "cart_1", evt.Authorization.Metadata["cart_id"])
	assert.True(t, evt.Authorization.Holdable())
}

func TestStripeWebhookVerifier_RejectsBadSignature(t *testing.T) {
	v := StripeWebhookVerifier{Secret: "whsec_test"}
	payload := []byte(capturablePayload)

	_, err := v.Verify(payload, sign(payload, "whsec_other", time.Now()))
	assert.Error(t, err)

	_, err = v.Verify(payload, "")
	assert.Error(t, err)

	_, err = v.Verify(payload, sign(payload, "whsec_test", time.Now().Add(-time.Hour)))
	assert.Error(t, err, "stale timestamps are rejected")
}
