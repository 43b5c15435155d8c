package payments

import (
	"github.com/imrishuroy/go-orderwindow/internal/apperr"
)

// Decline is the customer-facing interpretation of a gateway decline code.
type Decline struct {
	UserMessage string
	Retryable   bool
}

var defaultDecline = Decline{UserMessage: "Your card was declined.", Retryable: false}

var declines = map[string]Decline{
	"insufficient_funds": {UserMessage: "Insufficient funds.", Retryable: true},
	"card_declined":      {UserMessage: "Your card was declined.", Retryable: true},
	"generic_decline":    {UserMessage: "Your card was declined.", Retryable: true},
	"expired_card":       {UserMessage: "Your card has expired.", Retryable: false},
	"lost_card":          {UserMessage: "Your card was declined. Please try another.", Retryable: false},
	"stolen_card":        {UserMessage: "Your card was declined. Please try another.", Retryable: false},
	"incorrect_cvc":      {UserMessage: "Your card's security code is incorrect.", Retryable: true},
	"processing_error":   {UserMessage: "An error occurred while processing your card.", Retryable: true},
}

// LookupDecline maps a decline code to its message. Unknown codes get the
// generic, non-retryable decline.
func LookupDecline(code string) Decline {
	if d, ok := declines[code]; ok {
		return d
	}
	return defaultDecline
}

// DeclineError converts a card error from the gateway into a CardDeclinedError.
// The raw gateway message is dropped; it can carry card number fragments.
func DeclineError(ge *GatewayError) *apperr.CardDeclinedError {
	code := ge.DeclineCode
	if code == "" {
		code = ge.Code
	}
	d := LookupDecline(code)
	return &apperr.CardDeclinedError{
		Message:     d.UserMessage,
		GatewayCode: ge.Code,
		DeclineCode: code,
		UserMessage: d.UserMessage,
		Retryable:   d.Retryable,
	}
}
