package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-orderwindow/internal/apperr"
)

// TokenHeader carries the modification token. It is never accepted anywhere else.
const TokenHeader = "x-modification-token"

// bodyTokenKeys are field names that look like a modification token.
var bodyTokenKeys = map[string]bool{
	"token":                true,
	"modification_token":   true,
	"modificationtoken":    true,
	"x-modification-token": true,
	"x_modification_token": true,
}

// Error is a failed struct validation. Fields maps the JSON field to the
// failed rule.
type Error struct {
	Fields map[string]string
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, rule := range e.Fields {
		parts = append(parts, f+" "+rule)
	}
	return "validation failed: " + strings.Join(parts, ", ")
}
func (e *Error) Kind() apperr.Kind { return apperr.KindInvalidInput }
func (e *Error) Code() string      { return "VALIDATION_FAILED" }

// BindAndValidate binds the JSON body into out and runs validation. An empty
// body binds as {}. A modification token found in the body is rejected with
// TokenRequiredError even when the header is also present.
func BindAndValidate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return &apperr.InvalidInputError{Field: "body", Reason: "unreadable request body"}
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	if tokenInBody(body) {
		return &apperr.TokenRequiredError{Reason: "must be sent in the " + TokenHeader + " header, not the request body"}
	}
	if err := binding.JSON.BindBody(body, out); err != nil {
		return &apperr.InvalidInputError{Field: "body", Reason: "malformed JSON: " + err.Error()}
	}
	if err := v.Struct(out); err != nil {
		return validationError(err)
	}
	return nil
}

// tokenInBody looks for token-like keys at the top level and in metadata.
func tokenInBody(body []byte) bool {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return false
	}
	if hasTokenKey(top) {
		return true
	}
	if raw, ok := top["metadata"]; ok {
		var meta map[string]json.RawMessage
		if json.Unmarshal(raw, &meta) == nil && hasTokenKey(meta) {
			return true
		}
	}
	return false
}

func hasTokenKey(m map[string]json.RawMessage) bool {
	for k := range m {
		if bodyTokenKeys[strings.ToLower(k)] {
			return true
		}
	}
	return false
}

func validationError(err error) error {
	out := &Error{Fields: map[string]string{}}
	var ve validatorv10.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			out.Fields[fe.Field()] = fe.Tag()
		}
		return out
	}
	out.Fields["body"] = err.Error()
	return out
}
