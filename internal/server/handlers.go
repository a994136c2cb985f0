package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"storefront-checkout/internal/database"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/infrastructure/payment"
	"storefront-checkout/internal/logger"
	"storefront-checkout/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxWebhookBody = 64 << 10

type CheckoutAPI interface {
	Checkout(ctx context.Context, req *domain.CheckoutRequest) (*service.CheckoutResult, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*service.OrderView, error)
	PaymentStatus(ctx context.Context, orderID uuid.UUID) (*service.PaymentView, error)
	StopWatching(orderID uuid.UUID) bool
}

type SettlementAPI interface {
	SettleSTK(ctx context.Context, checkoutRequestID string, res *payment.STKQueryResult, receipt string) (bool, error)
	SettleWebhook(ctx context.Context, out *payment.WebhookOutcome) (bool, error)
}

type WebhookVerifier interface {
	ParseWebhook(payload []byte, sigHeader string) (*payment.WebhookOutcome, error)
}

type Handler struct {
	Checkout   CheckoutAPI
	Settlement SettlementAPI
	// Webhooks is nil when Stripe is not configured.
	Webhooks WebhookVerifier
	DB       database.Service
	Logger   *zap.Logger
}

type checkoutResponse struct {
	OrderID           uuid.UUID         `json:"order_id"`
	Success           bool              `json:"success"`
	Error             string            `json:"error,omitempty"`
	SessionURL        string            `json:"session_url,omitempty"`
	TransactionHandle string            `json:"transaction_handle,omitempty"`
	State             domain.WatchState `json:"state,omitempty"`
}

func (h *Handler) PostCheckout(c *gin.Context) {
	log := logger.FromGin(h.Logger, c)

	var req domain.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	if uid := c.GetHeader("X-User-ID"); uid != "" {
		id, err := uuid.Parse(uid)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		req.UserID = id
	}

	out, err := h.Checkout.Checkout(c.Request.Context(), &req)
	if err != nil {
		if out == nil || out.Result == nil {
			if statusFor(err) >= http.StatusInternalServerError {
				log.Error("checkout failed", zap.Error(err))
			}
			c.JSON(statusFor(err), bodyFor(err))
			return
		}
		// the order exists; the client can show the banner and offer a retry
		log.Warn("payment dispatch failed", zap.String("order_id", out.OrderID.String()), zap.Error(err))
		c.JSON(statusFor(err), checkoutResponse{
			OrderID: out.OrderID,
			Success: false,
			Error:   out.Result.Error,
		})
		return
	}

	c.JSON(http.StatusCreated, checkoutResponse{
		OrderID:           out.OrderID,
		Success:           out.Result.Success,
		Error:             out.Result.Error,
		SessionURL:        out.Result.SessionURL,
		TransactionHandle: out.Result.TransactionHandle,
		State:             out.State,
	})
}

func parseOrderID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return uuid.Nil, false
	}
	return id, true
}

type itemView struct {
	domain.OrderItem
	LineTotal float64 `json:"line_total"`
}

func (h *Handler) GetOrder(c *gin.Context) {
	id, ok := parseOrderID(c)
	if !ok {
		return
	}
	view, err := h.Checkout.GetOrder(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), bodyFor(err))
		return
	}
	items := make([]itemView, 0, len(view.Items))
	for _, it := range view.Items {
		items = append(items, itemView{OrderItem: it, LineTotal: it.LineTotal()})
	}
	c.JSON(http.StatusOK, gin.H{"order": view.Order, "items": items})
}

func (h *Handler) GetPayment(c *gin.Context) {
	id, ok := parseOrderID(c)
	if !ok {
		return
	}
	view, err := h.Checkout.PaymentStatus(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), bodyFor(err))
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) DeleteWatch(c *gin.Context) {
	id, ok := parseOrderID(c)
	if !ok {
		return
	}
	if !h.Checkout.StopWatching(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active watch for this order"})
		return
	}
	c.Status(http.StatusNoContent)
}

// MpesaCallback always acknowledges with ResultCode 0 once the body parses;
// Daraja retries otherwise and the outcome is idempotent anyway.
func (h *Handler) MpesaCallback(c *gin.Context) {
	log := logger.FromGin(h.Logger, c)

	var cb payment.STKCallback
	if err := c.ShouldBindJSON(&cb); err != nil || cb.CheckoutRequestID() == "" {
		log.Warn("malformed mpesa callback", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "Rejected"})
		return
	}

	log = log.With(zap.String("checkout_request_id", cb.CheckoutRequestID()))
	applied, err := h.Settlement.SettleSTK(c.Request.Context(), cb.CheckoutRequestID(), cb.Result(), cb.Receipt())
	switch {
	case errors.Is(err, domain.ErrPaymentNotFound):
		log.Warn("callback for unknown checkout request")
	case err != nil:
		log.Error("failed to settle mpesa callback", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"ResultCode": 1, "ResultDesc": "Temporary failure"})
		return
	default:
		log.Info("mpesa callback processed", zap.Bool("applied", applied))
	}
	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}

func (h *Handler) StripeWebhook(c *gin.Context) {
	log := logger.FromGin(h.Logger, c)
	if h.Webhooks == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stripe is not configured"})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	out, err := h.Webhooks.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		log.Warn("stripe webhook signature verification failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook"})
		return
	}
	if out == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	log = log.With(zap.String("event_id", out.EventID), zap.String("event_type", out.EventType))
	applied, err := h.Settlement.SettleWebhook(c.Request.Context(), out)
	switch {
	case errors.Is(err, domain.ErrPaymentNotFound):
		log.Warn("webhook for unknown checkout session", zap.String("session_id", out.ProviderRef))
	case err != nil:
		log.Error("failed to settle stripe webhook", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement failed"})
		return
	default:
		log.Info("stripe webhook processed", zap.Bool("applied", applied))
	}
	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

func (h *Handler) Health(c *gin.Context) {
	stats := h.DB.Health(c.Request.Context())
	status := http.StatusOK
	if stats["status"] != "up" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, stats)
}

