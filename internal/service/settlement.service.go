package service

import (
	"context"
	"errors"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/events"
	"storefront-checkout/internal/infrastructure/payment"
	"storefront-checkout/internal/repo"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SettlementService applies terminal payment outcomes. Every path that learns
// an outcome (callback, webhook, watcher, reconciliation) goes through it, and
// only the first one for a payment takes effect.
type SettlementService struct {
	payments  repo.PaymentRepo
	publisher events.Publisher
	log       *zap.Logger
	now       func() time.Time
}

func NewSettlementService(payments repo.PaymentRepo, publisher events.Publisher, log *zap.Logger) *SettlementService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &SettlementService{
		payments:  payments,
		publisher: publisher,
		log:       log,
		now:       time.Now,
	}
}

// Settle reports whether this call moved the payment out of pending.
func (s *SettlementService) Settle(ctx context.Context, p *domain.Payment, status domain.PaymentStatus, providerRef, reason string) (bool, error) {
	applied, err := s.payments.SettlePayment(ctx, p, status, providerRef, reason)
	if err != nil {
		return false, &domain.PersistenceError{Op: "settle payment", Err: err}
	}
	log := s.log.With(
		zap.String("order_id", p.OrderID.String()),
		zap.String("payment_id", p.ID.String()),
		zap.String("status", string(status)),
	)
	if !applied {
		log.Debug("payment already settled")
		return false, nil
	}
	log.Info("payment settled", zap.String("reason", reason))

	ev := domain.PaymentEvent{
		Type:      events.PaymentSucceeded,
		OrderID:   p.OrderID.String(),
		PaymentID: p.ID.String(),
		Method:    p.Method,
		Amount:    p.Amount,
		Reason:    reason,
		Timestamp: s.now().UTC(),
	}
	if status == domain.PaymentFailed {
		ev.Type = events.PaymentFailed
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		log.Warn("failed to publish payment event", zap.Error(err))
	}
	return true, nil
}

// SettleSTK settles the mobile-money payment behind checkoutRequestID. A
// still-processing result is a no-op.
func (s *SettlementService) SettleSTK(ctx context.Context, checkoutRequestID string, res *payment.STKQueryResult, receipt string) (bool, error) {
	if res == nil || res.Outcome == payment.STKProcessing {
		return false, nil
	}
	p, err := s.payments.FindByCheckoutRequestID(ctx, checkoutRequestID)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			return false, err
		}
		return false, &domain.PersistenceError{Op: "load payment", Err: err}
	}
	return s.settleSTKPayment(ctx, p, res, receipt)
}

// SettleOrderSTK is SettleSTK for a caller that also knows the order. It falls
// back to the order's pending payment when the handle was never stored.
func (s *SettlementService) SettleOrderSTK(ctx context.Context, orderID uuid.UUID, checkoutRequestID string, res *payment.STKQueryResult) (bool, error) {
	if res == nil || res.Outcome == payment.STKProcessing {
		return false, nil
	}
	p, err := s.payments.FindByCheckoutRequestID(ctx, checkoutRequestID)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		p, err = s.payments.FindPendingByOrder(ctx, orderID)
		if err == nil && p.CheckoutRequestID != "" && p.CheckoutRequestID != checkoutRequestID {
			// pending payment belongs to another prompt
			return false, domain.ErrPaymentNotFound
		}
	}
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			return false, err
		}
		return false, &domain.PersistenceError{Op: "load payment", Err: err}
	}
	if p.CheckoutRequestID == "" {
		s.log.Warn("settling mobile-money payment with no stored checkout request",
			zap.String("order_id", orderID.String()), zap.String("checkout_request_id", checkoutRequestID))
	}
	return s.settleSTKPayment(ctx, p, res, "")
}

func (s *SettlementService) settleSTKPayment(ctx context.Context, p *domain.Payment, res *payment.STKQueryResult, receipt string) (bool, error) {
	status := domain.PaymentPaid
	reason := ""
	if res.Outcome == payment.STKFailed {
		status = domain.PaymentFailed
		reason = res.ResultDesc
	}
	return s.Settle(ctx, p, status, receipt, reason)
}

// SettleWebhook settles the hosted-checkout payment a Stripe event refers to.
func (s *SettlementService) SettleWebhook(ctx context.Context, out *payment.WebhookOutcome) (bool, error) {
	p, err := s.payments.FindByProviderRef(ctx, out.ProviderRef)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			return false, err
		}
		return false, &domain.PersistenceError{Op: "load payment", Err: err}
	}
	return s.Settle(ctx, p, out.Status, out.ProviderRef, out.Reason)
}
