package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-orderwindow/internal/apperr"
	"github.com/imrishuroy/go-orderwindow/internal/modification"
	"github.com/imrishuroy/go-orderwindow/internal/validation"
)

const supportMessage = "We could not complete this change to your order. Please contact support."

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	DeclineCode string            `json:"decline_code,omitempty"`
	Retryable   *bool             `json:"retryable,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// writeError renders err with its mapped status. Internal and critical
// failures never expose their detail.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	_ = c.Error(err)
	status := apperr.HTTPStatus(err)
	body := errorResponse{Code: apperr.CodeOf(err), Message: err.Error()}

	var (
		declined *apperr.CardDeclinedError
		invalid  *validation.Error
		stageErr *modification.StageError
	)
	attrs := []any{"status", status, "code", body.Code, "error", err}
	if errors.As(err, &stageErr) {
		attrs = append(attrs, "stage", stageErr.Stage.String())
	}

	switch {
	case errors.As(err, &declined):
		body.Message = declined.UserMessage
		body.DeclineCode = declined.DeclineCode
		body.Retryable = &declined.Retryable
	case errors.As(err, &invalid):
		body.Message = "request validation failed"
		body.Fields = invalid.Fields
	case apperr.KindOf(err) == apperr.KindCritical:
		body.Message = supportMessage
	case apperr.KindOf(err) == apperr.KindUpstream:
		body.Message = "payment provider unavailable, please retry"
	case status >= http.StatusInternalServerError:
		body.Message = "internal error"
	}

	if status >= http.StatusInternalServerError {
		logger.ErrorContext(c.Request.Context(), "request failed", attrs...)
	} else {
		logger.InfoContext(c.Request.Context(), "request rejected", attrs...)
	}
	c.AbortWithStatusJSON(status, body)
}
