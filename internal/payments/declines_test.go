package payments

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestLookupDecline_Table(t *testing.T) {
	cases := []struct {
		code      string
		message   string
		retryable bool
	}{
		{"insufficient_funds", "Insufficient funds.", true},
		{"card_declined", "Your card was declined.", true},
		{"generic_decline", "Your card was declined.", true},
		{"expired_card", "Your card has expired.", false},
		{"lost_card", "Your card was declined. Please try another.", false},
		{"stolen_card", "Your card was declined. Please try another.", false},
		{"incorrect_cvc", "Your card's security code is incorrect.", true},
		{"processing_error", "An error occurred while processing your card.", true},
		{"do_not_honor", "Your card was declined.", false},
		{"", "Your card was declined.", false},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			d := LookupDecline(tc.code)
			assert.Equal(t, tc.message, d.UserMessage)
			assert.Equal(t, tc.retryable, d.Retryable)
		})
	}
}

func TestLookupDecline_UnknownCodesUseDefault(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("codes outside the table map to the generic decline", prop.ForAll(
		func(code string) bool {
			if _, known := declines[code]; known {
				return true
			}
			return LookupDecline(code) == defaultDecline
		},
		gen.AnyString(),
	))
	properties.TestingRun(t)
}

func TestDeclineError_NeverEchoesGatewayText(t *testing.T) {
	ge := &GatewayError{
		HTTPStatus:  402,
		Type:        ErrorTypeCard,
		Code:        "card_declined",
		DeclineCode: "insufficient_funds",
		Message:     "Card 4242 4242 4242 4242 has insufficient funds",
	}
	err := DeclineError(ge)
	assert.Equal(t, "insufficient_funds", err.DeclineCode)
	assert.Equal(t, "card_declined", err.GatewayCode)
	assert.Equal(t, "Insufficient funds.", err.UserMessage)
	assert.True(t, err.Retryable)
	assert.NotContains(t, err.Error(), "4242")
	assert.NotContains(t, ge.Error(), "4242")
}

func TestDeclineError_FallsBackToGatewayCode(t *testing.T) {
	err := DeclineError(&GatewayError{Type: ErrorTypeCard, Code: "expired_card"})
	assert.Equal(t, "expired_card", err.DeclineCode)
	assert.Equal(t, "Your card has expired.", err.UserMessage)
	assert.False(t, err.Retryable)
}
