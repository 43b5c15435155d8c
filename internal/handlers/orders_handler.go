package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-orderwindow/internal/modification"
	"github.com/imrishuroy/go-orderwindow/internal/orders"
	"github.com/imrishuroy/go-orderwindow/internal/validation"
)

// Modifier applies customer changes to pending orders.
type Modifier interface {
	AddLineItem(ctx context.Context, orderID, token string, req modification.AddItemRequest) (*modification.Result, error)
	UpdateLineItemQuantity(ctx context.Context, orderID, token string, req modification.QuantityRequest) (*modification.Result, error)
	UpdateShippingAddress(ctx context.Context, orderID, token string, addr orders.Address) (*modification.Result, error)
	CancelOrder(ctx context.Context, orderID, token, reason string) (*modification.Result, error)
	WindowStatus(ctx context.Context, orderID, token string) (*modification.Window, error)
}

// Idempotency operation names, part of the scoped key.
const (
	opAddLineItem    = "add_line_item"
	opUpdateQuantity = "update_quantity"
	opUpdateAddress  = "update_shipping_address"
	opCancel         = "cancel"
)

type paymentView struct {
	Status               string `json:"status"`
	HeldAmount           int64  `json:"held_amount"`
	AuthorizationSkipped bool   `json:"authorization_skipped"`
}

type orderView struct {
	OrderID         string            `json:"order_id"`
	Status          string            `json:"status"`
	CurrencyCode    string            `json:"currency_code"`
	Total           int64             `json:"total"`
	Items           []orders.LineItem `json:"items"`
	ShippingAddress orders.Address    `json:"shipping_address"`
	Version         int64             `json:"version"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

type modificationResponse struct {
	Order   orderView   `json:"order"`
	Payment paymentView `json:"payment"`
}

type windowResponse struct {
	OrderID          string    `json:"order_id"`
	Status           string    `json:"status"`
	CanModify        bool      `json:"can_modify"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	ExpiresAt        time.Time `json:"expires_at"`
}

func toResponse(res *modification.Result) modificationResponse {
	o := res.Order
	return modificationResponse{
		Order: orderView{
			OrderID:         o.OrderID,
			Status:          o.Status,
			CurrencyCode:    o.CurrencyCode,
			Total:           o.Total,
			Items:           o.Items,
			ShippingAddress: o.ShippingAddress,
			Version:         o.Version,
			UpdatedAt:       o.UpdatedAt,
		},
		Payment: paymentView{
			Status:               res.PaymentStatus,
			HeldAmount:           res.HeldAmount,
			AuthorizationSkipped: res.AuthorizationSkipped,
		},
	}
}

type ordersHandler struct {
	svc    Modifier
	v      *validatorv10.Validate
	logger *slog.Logger
}

func (h *ordersHandler) addLineItem(c *gin.Context) {
	var req validation.AddLineItemRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		writeError(c, h.logger, err)
		return
	}
	res, err := h.svc.AddLineItem(c.Request.Context(), c.Param("id"), c.GetHeader(validation.TokenHeader), modification.AddItemRequest{
		VariantID: req.VariantID,
		Quantity:  req.Quantity,
		Metadata:  req.Metadata,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(res))
}

func (h *ordersHandler) updateQuantity(c *gin.Context) {
	var req validation.UpdateQuantityRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		writeError(c, h.logger, err)
		return
	}
	res, err := h.svc.UpdateLineItemQuantity(c.Request.Context(), c.Param("id"), c.GetHeader(validation.TokenHeader), modification.QuantityRequest{
		VariantID: req.VariantID,
		Quantity:  req.Quantity,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(res))
}

func (h *ordersHandler) updateShippingAddress(c *gin.Context) {
	var req validation.AddressRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		writeError(c, h.logger, err)
		return
	}
	res, err := h.svc.UpdateShippingAddress(c.Request.Context(), c.Param("id"), c.GetHeader(validation.TokenHeader), orders.Address{
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Address1:    req.Address1,
		Address2:    req.Address2,
		City:        req.City,
		Province:    req.Province,
		PostalCode:  req.PostalCode,
		CountryCode: req.CountryCode,
		Phone:       req.Phone,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(res))
}

func (h *ordersHandler) cancel(c *gin.Context) {
	var req validation.CancelRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		writeError(c, h.logger, err)
		return
	}
	res, err := h.svc.CancelOrder(c.Request.Context(), c.Param("id"), c.GetHeader(validation.TokenHeader), req.Reason)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(res))
}

func (h *ordersHandler) window(c *gin.Context) {
	w, err := h.svc.WindowStatus(c.Request.Context(), c.Param("id"), c.GetHeader(validation.TokenHeader))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, windowResponse{
		OrderID:          w.OrderID,
		Status:           w.Status,
		CanModify:        w.CanModify,
		RemainingSeconds: int64(w.Remaining / time.Second),
		ExpiresAt:        w.ExpiresAt,
	})
}
