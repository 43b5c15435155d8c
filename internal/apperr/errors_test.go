package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
		code string
	}{
		{&InvalidInputError{Field: "quantity", Reason: "must be positive"}, http.StatusBadRequest, "INVALID_INPUT"},
		{&VariantNotFoundError{VariantID: "v"}, http.StatusBadRequest, "VARIANT_NOT_FOUND"},
		{&TokenRequiredError{Reason: "missing header"}, http.StatusUnauthorized, "TOKEN_REQUIRED"},
		{&TokenExpiredError{}, http.StatusUnauthorized, "TOKEN_EXPIRED"},
		{&TokenInvalidError{Reason: "bad signature"}, http.StatusUnauthorized, "TOKEN_INVALID"},
		{&TokenMismatchError{TokenOrderID: "a", RequestOrderID: "b"}, http.StatusForbidden, "TOKEN_MISMATCH"},
		{&OrderNotFoundError{OrderID: "o"}, http.StatusNotFound, "ORDER_NOT_FOUND"},
		{&InvalidOrderStateError{OrderID: "o", Status: "canceled"}, http.StatusUnprocessableEntity, "INVALID_ORDER_STATE"},
		{&InsufficientStockError{VariantID: "v", Available: 1, Requested: 2}, http.StatusConflict, "INSUFFICIENT_STOCK"},
		{&CardDeclinedError{DeclineCode: "insufficient_funds"}, http.StatusPaymentRequired, "CARD_DECLINED"},
		{&UpstreamError{Service: "payment gateway", Cause: errors.New("503")}, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE"},
		{&AuthMismatchError{OrderID: "o", Cause: errors.New("commit failed")}, http.StatusInternalServerError, "AUTH_MISMATCH_OVERSOLD"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
			assert.Equal(t, tc.code, CodeOf(tc.err))
		})
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("add line item: %w", &OrderNotFoundError{OrderID: "o"})
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(err))
}

func TestAuthMismatch_CodeAndUnwrap(t *testing.T) {
	cause := errors.New("conditional check failed")
	err := &AuthMismatchError{OrderID: "o", MismatchCode: "AUTH_MISMATCH_VOIDED", Cause: cause}
	assert.Equal(t, "AUTH_MISMATCH_VOIDED", err.Code())
	assert.ErrorIs(t, err, cause)
	assert.True(t, Permanent(err))
}

func TestPermanent(t *testing.T) {
	assert.True(t, Permanent(&CartNotFoundError{}))
	assert.True(t, Permanent(&CardDeclinedError{}))
	assert.False(t, Permanent(&UpstreamError{Service: "x", Cause: errors.New("timeout")}))
	assert.False(t, Permanent(&ConcurrentModificationError{Resource: "order"}))
	assert.False(t, Permanent(errors.New("unknown")))
}
