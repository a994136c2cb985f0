package service

import (
	"context"
	"errors"
	"fmt"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/infrastructure/payment"
	"storefront-checkout/internal/repo"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type MobileMoneyProvider interface {
	InitiateSTKPush(ctx context.Context, in payment.STKPushRequest) (*payment.STKPushResponse, error)
	QuerySTKStatus(ctx context.Context, checkoutRequestID string) (*payment.STKQueryResult, error)
}

type CardProvider interface {
	Charge(ctx context.Context, in payment.CardChargeRequest) (*payment.CardCharge, error)
}

type HostedCheckoutProvider interface {
	CreateSession(ctx context.Context, in payment.SessionRequest) (*payment.HostedSession, error)
}

// DispatchInput carries the method-specific part of a checkout.
type DispatchInput struct {
	MpesaPhone string
	Card       *domain.CardDetails
}

type DispatcherConfig struct {
	Currency    string
	FrontendURL string
}

// Dispatcher routes a placed order to the provider for its payment method and
// adapts each provider's response into a DispatchResult.
type Dispatcher struct {
	payments repo.PaymentRepo
	settle   *SettlementService
	mpesa    MobileMoneyProvider
	card     CardProvider
	hosted   HostedCheckoutProvider
	cfg      DispatcherConfig
	log      *zap.Logger
	now      func() time.Time

	retryWait time.Duration
}

func NewDispatcher(
	payments repo.PaymentRepo,
	settle *SettlementService,
	mpesa MobileMoneyProvider,
	card CardProvider,
	hosted HostedCheckoutProvider,
	cfg DispatcherConfig,
	log *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		payments: payments,
		settle:   settle,
		mpesa:    mpesa,
		card:     card,
		hosted:   hosted,
		cfg:      cfg,
		log:      log,
		now:      time.Now,

		retryWait: 100 * time.Millisecond,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, order *domain.Order, items []domain.OrderItem, in DispatchInput) (*domain.DispatchResult, error) {
	if order.PaymentStatus != domain.PaymentPending {
		return nil, domain.NewValidationError("order", fmt.Sprintf("order payment is already %s", order.PaymentStatus))
	}
	_, err := d.payments.FindPendingByOrder(ctx, order.ID)
	switch {
	case err == nil:
		return nil, domain.ErrPaymentInProgress
	case !errors.Is(err, domain.ErrPaymentNotFound):
		return nil, &domain.PersistenceError{Op: "check pending payment", Err: err}
	}

	switch order.PaymentMethod {
	case domain.MethodMpesa:
		return d.dispatchMpesa(ctx, order, in.MpesaPhone)
	case domain.MethodCard:
		return d.dispatchCard(ctx, order, in.Card)
	case domain.MethodHostedCheckout:
		return d.dispatchHosted(ctx, order, items)
	default:
		return nil, domain.NewValidationError("payment_method", "unsupported payment method")
	}
}

func failed(err error) *domain.DispatchResult {
	return &domain.DispatchResult{Success: false, Error: domain.UserMessage(err)}
}

func (d *Dispatcher) newPayment(order *domain.Order) *domain.Payment {
	now := d.now().UTC()
	return &domain.Payment{
		ID:        uuid.New(),
		OrderID:   order.ID,
		Method:    order.PaymentMethod,
		Amount:    order.TotalAmount,
		Status:    domain.PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (d *Dispatcher) dispatchMpesa(ctx context.Context, order *domain.Order, phone string) (*domain.DispatchResult, error) {
	msisdn := domain.NormalizeMSISDN(phone)
	if msisdn == "" {
		return nil, domain.NewValidationError("mpesa_phone", "enter a valid Safaricom number, e.g. 0712345678")
	}
	log := d.log.With(zap.String("order_id", order.ID.String()))

	// The draft exists before the prompt goes out, so an accepted push always
	// has a payment for the watcher and reconciliation to settle.
	p := d.newPayment(order)
	p.PhoneNumber = msisdn
	if err := d.payments.CreatePayment(ctx, p); err != nil {
		perr := &domain.PersistenceError{Op: "record payment", Err: err}
		return failed(perr), perr
	}

	ref := order.ID.String()[:8]
	resp, err := d.mpesa.InitiateSTKPush(ctx, payment.STKPushRequest{
		Phone:       msisdn,
		Amount:      order.TotalAmount,
		Reference:   ref,
		Description: "Order " + ref,
	})
	if err != nil {
		log.Warn("stk push failed", zap.Error(err))
		d.discard(ctx, p)
		return failed(err), err
	}
	if !resp.Accepted() {
		msg := resp.ResponseDescription
		if msg == "" {
			msg = resp.CustomerMessage
		}
		perr := &domain.ProviderRequestError{Provider: "mpesa", Code: resp.ResponseCode, Message: msg}
		log.Warn("stk push rejected", zap.String("response_code", resp.ResponseCode), zap.String("description", msg))
		d.discard(ctx, p)
		return failed(perr), perr
	}

	p.CheckoutRequestID = resp.CheckoutRequestID
	p.MerchantRequestID = resp.MerchantRequestID
	if err := d.attach(ctx, p); err != nil {
		// the watcher settles by order when the handle is missing
		log.Error("failed to store checkout request", zap.String("checkout_request_id", resp.CheckoutRequestID), zap.Error(err))
	}

	log.Info("stk push sent", zap.String("checkout_request_id", resp.CheckoutRequestID))
	return &domain.DispatchResult{Success: true, TransactionHandle: resp.CheckoutRequestID}, nil
}

// attach stores provider handles, retrying briefly.
func (d *Dispatcher) attach(ctx context.Context, p *domain.Payment) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(d.retryWait), 2), ctx)
	return backoff.Retry(func() error {
		err := d.payments.AttachRefs(ctx, p)
		if errors.Is(err, domain.ErrPaymentNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// discard drops a draft the provider never accepted. A draft that cannot be
// removed has no checkout request, so reconciliation expires it.
func (d *Dispatcher) discard(ctx context.Context, p *domain.Payment) {
	if err := d.payments.DiscardPending(ctx, p.ID); err != nil {
		d.log.Warn("failed to discard draft payment", zap.String("payment_id", p.ID.String()), zap.Error(err))
	}
}

func (d *Dispatcher) dispatchCard(ctx context.Context, order *domain.Order, card *domain.CardDetails) (*domain.DispatchResult, error) {
	if card == nil {
		return nil, domain.NewValidationError("card", "card details are required")
	}
	if err := domain.ValidateCard(card, d.now()); err != nil {
		return nil, err
	}
	log := d.log.With(zap.String("order_id", order.ID.String()))

	p := d.newPayment(order)
	if err := d.payments.CreatePayment(ctx, p); err != nil {
		perr := &domain.PersistenceError{Op: "record payment", Err: err}
		return failed(perr), perr
	}

	charge, err := d.card.Charge(ctx, payment.CardChargeRequest{
		OrderID:  order.ID.String(),
		Amount:   order.TotalAmount,
		Currency: d.cfg.Currency,
		Card:     *card,
	})
	if err != nil {
		log.Warn("card charge failed", zap.Error(err))
		if _, serr := d.settle.Settle(ctx, p, domain.PaymentFailed, "", err.Error()); serr != nil {
			log.Error("failed to settle card payment", zap.Error(serr))
		}
		return failed(err), err
	}

	// With the intent id stored, reconciliation can finish a settlement that fails below.
	if charge.ID != "" {
		p.ProviderRef = charge.ID
		if err := d.attach(ctx, p); err != nil {
			log.Error("failed to store payment intent", zap.String("payment_intent", charge.ID), zap.Error(err))
		}
	}

	if !charge.Succeeded() {
		log.Info("card declined", zap.String("status", charge.Status))
		if _, err := d.settle.Settle(ctx, p, domain.PaymentFailed, charge.ID, charge.FailureMessage); err != nil {
			log.Error("card declined but settlement failed", zap.String("payment_intent", charge.ID), zap.Error(err))
		}
		return &domain.DispatchResult{Success: false, Error: charge.FailureMessage, TransactionHandle: charge.ID}, nil
	}

	if _, err := d.settle.Settle(ctx, p, domain.PaymentPaid, charge.ID, ""); err != nil {
		// the customer was charged; reconciliation records it
		log.Error("card charged but settlement failed", zap.String("payment_intent", charge.ID), zap.Error(err))
		return &domain.DispatchResult{Success: true, TransactionHandle: charge.ID}, nil
	}
	order.PaymentStatus = domain.PaymentPaid
	return &domain.DispatchResult{Success: true, TransactionHandle: charge.ID}, nil
}

func (d *Dispatcher) dispatchHosted(ctx context.Context, order *domain.Order, items []domain.OrderItem) (*domain.DispatchResult, error) {
	sess, err := d.hosted.CreateSession(ctx, payment.SessionRequest{
		OrderID:    order.ID.String(),
		Currency:   d.cfg.Currency,
		Items:      items,
		SuccessURL: fmt.Sprintf("%s/checkout/success?order_id=%s", d.cfg.FrontendURL, order.ID),
		CancelURL:  fmt.Sprintf("%s/checkout?order_id=%s", d.cfg.FrontendURL, order.ID),
	})
	if err != nil {
		d.log.Warn("checkout session failed", zap.String("order_id", order.ID.String()), zap.Error(err))
		return failed(err), err
	}

	p := d.newPayment(order)
	p.ProviderRef = sess.ID
	if err := d.payments.CreatePayment(ctx, p); err != nil {
		perr := &domain.PersistenceError{Op: "record payment", Err: err}
		return failed(perr), perr
	}
	return &domain.DispatchResult{Success: true, SessionURL: sess.URL, TransactionHandle: sess.ID}, nil
}
