package payment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"storefront-checkout/internal/domain"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"github.com/stripe/stripe-go/v80/webhook"
)

const stripeProvider = "stripe"

// StripeGateway serves both the card rail and hosted checkout.
type StripeGateway struct {
	api        *client.API
	webhookKey string
}

// NewStripeGateway builds a client. backends is nil outside tests.
func NewStripeGateway(secretKey, webhookKey string, backends *stripe.Backends) *StripeGateway {
	return &StripeGateway{
		api:        client.New(secretKey, backends),
		webhookKey: webhookKey,
	}
}

type CardChargeRequest struct {
	OrderID  string
	Amount   float64
	Currency string
	Card     domain.CardDetails
}

// CardCharge is the card rail's response. A decline is a normal response, not an error.
type CardCharge struct {
	ID             string
	Status         string
	Declined       bool
	FailureMessage string
}

func (c *CardCharge) Succeeded() bool {
	return !c.Declined && c.Status == string(stripe.PaymentIntentStatusSucceeded)
}

// Final is false while the intent can still move, e.g. processing.
func (c *CardCharge) Final() bool {
	return c.Declined || c.Succeeded()
}

type SessionRequest struct {
	OrderID    string
	Currency   string
	Items      []domain.OrderItem
	SuccessURL string
	CancelURL  string
}

type HostedSession struct {
	ID  string
	URL string
}

// MinorUnits converts to cents for Stripe.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func (s *StripeGateway) Charge(ctx context.Context, in CardChargeRequest) (*CardCharge, error) {
	month, year, err := domain.ParseExpiry(in.Card.Expiry)
	if err != nil {
		return nil, domain.NewValidationError("card.expiry", err.Error())
	}

	pmParams := &stripe.PaymentMethodParams{
		Type: stripe.String(string(stripe.PaymentMethodTypeCard)),
		Card: &stripe.PaymentMethodCardParams{
			Number:   stripe.String(domain.CardNumberDigits(in.Card.Number)),
			ExpMonth: stripe.Int64(int64(month)),
			ExpYear:  stripe.Int64(int64(year)),
			CVC:      stripe.String(in.Card.CVC),
		},
		BillingDetails: &stripe.PaymentMethodBillingDetailsParams{
			Name: stripe.String(in.Card.CardholderName),
			Address: &stripe.AddressParams{
				Line1:      stripe.String(in.Card.Billing.Line1),
				City:       stripe.String(in.Card.Billing.City),
				PostalCode: stripe.String(in.Card.Billing.PostalCode),
				Country:    stripe.String(in.Card.Billing.Country),
			},
		},
	}
	pmParams.Context = ctx
	pm, err := s.api.PaymentMethods.New(pmParams)
	if err != nil {
		return declineOrError(err)
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(MinorUnits(in.Amount)),
		Currency:      stripe.String(in.Currency),
		PaymentMethod: stripe.String(pm.ID),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String("Order " + in.OrderID),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", in.OrderID)
	params.SetIdempotencyKey("charge-" + in.OrderID)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return declineOrError(err)
	}

	charge := &CardCharge{ID: pi.ID, Status: string(pi.Status)}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		charge.Declined = true
		charge.FailureMessage = fmt.Sprintf("payment not completed (status %s)", pi.Status)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			charge.FailureMessage = pi.LastPaymentError.Msg
		}
	}
	return charge, nil
}

// ChargeStatus looks up a PaymentIntent created by Charge.
func (s *StripeGateway) ChargeStatus(ctx context.Context, id string) (*CardCharge, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(id, params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) {
			return nil, &domain.ProviderRequestError{Provider: stripeProvider, Code: string(se.Code), Message: se.Msg, Err: err}
		}
		return nil, &domain.ProviderRequestError{Provider: stripeProvider, Err: err}
	}

	charge := &CardCharge{ID: pi.ID, Status: string(pi.Status)}
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusCanceled:
		charge.Declined = true
		charge.FailureMessage = fmt.Sprintf("payment not completed (status %s)", pi.Status)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			charge.FailureMessage = pi.LastPaymentError.Msg
		}
	}
	return charge, nil
}

func declineOrError(err error) (*CardCharge, error) {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.Type == stripe.ErrorTypeCard {
			return &CardCharge{Declined: true, Status: string(se.Code), FailureMessage: se.Msg}, nil
		}
		return nil, &domain.ProviderRequestError{Provider: stripeProvider, Code: string(se.Code), Message: se.Msg, Err: err}
	}
	return nil, &domain.ProviderRequestError{Provider: stripeProvider, Err: err}
}

func (s *StripeGateway) CreateSession(ctx context.Context, in SessionRequest) (*HostedSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(in.SuccessURL),
		CancelURL:         stripe.String(in.CancelURL),
		ClientReferenceID: stripe.String(in.OrderID),
	}
	for _, it := range in.Items {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(in.Currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(it.ProductName),
				},
				UnitAmount: stripe.Int64(MinorUnits(it.UnitPrice)),
			},
			Quantity: stripe.Int64(int64(it.Quantity)),
		})
	}
	params.Context = ctx
	params.AddMetadata("order_id", in.OrderID)

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		_, perr := declineOrError(err)
		if perr == nil {
			perr = &domain.ProviderRequestError{Provider: stripeProvider, Err: err}
		}
		return nil, perr
	}
	return &HostedSession{ID: sess.ID, URL: sess.URL}, nil
}

// WebhookOutcome is a Stripe event reduced to what settlement needs.
type WebhookOutcome struct {
	EventID     string
	EventType   string
	ProviderRef string
	Status      domain.PaymentStatus
	Reason      string
}

// ParseWebhook verifies the signature and reduces the event. A nil outcome
// means the event type is not one we act on.
func (s *StripeGateway) ParseWebhook(payload []byte, sigHeader string) (*WebhookOutcome, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.webhookKey, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, err
	}

	out := &WebhookOutcome{EventID: event.ID, EventType: string(event.Type)}
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		out.Status = domain.PaymentPaid
	case "checkout.session.expired", "checkout.session.async_payment_failed":
		out.Status = domain.PaymentFailed
		out.Reason = "checkout session " + string(event.Type[len("checkout.session."):])
	default:
		return nil, nil
	}

	id, _ := event.Data.Object["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("stripe event %s has no object id", event.ID)
	}
	if event.Type == "checkout.session.completed" {
		if ps, _ := event.Data.Object["payment_status"].(string); ps == "unpaid" {
			// async methods settle later through async_payment_succeeded
			return nil, nil
		}
	}
	out.ProviderRef = id
	return out, nil
}
