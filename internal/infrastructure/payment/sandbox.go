package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"storefront-checkout/internal/domain"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stripe's documented decline test card.
const SandboxDeclinedCard = "4000000000000002"

// SandboxGateway stands in for every provider when no credentials are
// configured. STK pushes stay pending until Complete is called or, when
// AutoComplete is set, until the simulated customer answers the prompt.
type SandboxGateway struct {
	mu      sync.RWMutex
	pushes  map[string]*STKQueryResult
	charges map[string]CardCharge

	// SuccessRate is the chance an auto-completed push is paid. 1 means always.
	SuccessRate  float64
	AutoComplete time.Duration
	// Lag is added to every provider call.
	Lag time.Duration
}

func NewSandboxGateway() *SandboxGateway {
	return &SandboxGateway{
		pushes:      make(map[string]*STKQueryResult),
		charges:     make(map[string]CardCharge),
		SuccessRate: 1,
	}
}

func (g *SandboxGateway) sleep(ctx context.Context) error {
	if g.Lag <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(g.Lag):
		return nil
	}
}

func (g *SandboxGateway) InitiateSTKPush(ctx context.Context, in STKPushRequest) (*STKPushResponse, error) {
	if err := g.sleep(ctx); err != nil {
		return nil, &domain.ProviderRequestError{Provider: "sandbox", Err: err}
	}
	phone := domain.NormalizeMSISDN(in.Phone)
	if phone == "" {
		return &STKPushResponse{ResponseCode: "1", ResponseDescription: "Invalid PhoneNumber"}, nil
	}
	// numbers ending in 0000 behave like an unregistered line
	if strings.HasSuffix(phone, "0000") {
		return &STKPushResponse{ResponseCode: "1", ResponseDescription: "The subscriber is not registered for M-PESA"}, nil
	}

	handle := "ws_CO_" + uuid.NewString()
	g.mu.Lock()
	g.pushes[handle] = &STKQueryResult{Outcome: STKProcessing}
	g.mu.Unlock()

	if g.AutoComplete > 0 {
		time.AfterFunc(g.AutoComplete, func() {
			_ = g.Complete(handle, rand.Float64() < g.SuccessRate)
		})
	}

	return &STKPushResponse{
		MerchantRequestID:   "sandbox-" + uuid.NewString()[:8],
		CheckoutRequestID:   handle,
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
	}, nil
}

// Complete plays the customer's answer to the PIN prompt.
func (g *SandboxGateway) Complete(handle string, paid bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	res, ok := g.pushes[handle]
	if !ok {
		return errors.New("unknown checkout request")
	}
	if paid {
		*res = STKQueryResult{Outcome: STKPaid, ResultCode: "0", ResultDesc: "The service request is processed successfully."}
	} else {
		*res = STKQueryResult{Outcome: STKFailed, ResultCode: "1032", ResultDesc: "Request cancelled by user"}
	}
	return nil
}

func (g *SandboxGateway) QuerySTKStatus(ctx context.Context, checkoutRequestID string) (*STKQueryResult, error) {
	if err := g.sleep(ctx); err != nil {
		return nil, &domain.ProviderRequestError{Provider: "sandbox", Err: err}
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	res, ok := g.pushes[checkoutRequestID]
	if !ok {
		return nil, &domain.ProviderRequestError{Provider: "sandbox", Code: "400.002.02", Message: "Invalid CheckoutRequestID"}
	}
	cp := *res
	return &cp, nil
}

func (g *SandboxGateway) Charge(ctx context.Context, in CardChargeRequest) (*CardCharge, error) {
	if err := g.sleep(ctx); err != nil {
		return nil, &domain.ProviderRequestError{Provider: "sandbox", Err: err}
	}
	charge := CardCharge{ID: "pi_sandbox_" + uuid.NewString()[:12], Status: "succeeded"}
	if domain.CardNumberDigits(in.Card.Number) == SandboxDeclinedCard {
		charge = CardCharge{ID: charge.ID, Declined: true, Status: "card_declined", FailureMessage: "Your card was declined."}
	}
	g.mu.Lock()
	g.charges[charge.ID] = charge
	g.mu.Unlock()
	return &charge, nil
}

func (g *SandboxGateway) ChargeStatus(ctx context.Context, id string) (*CardCharge, error) {
	if err := g.sleep(ctx); err != nil {
		return nil, &domain.ProviderRequestError{Provider: "sandbox", Err: err}
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	charge, ok := g.charges[id]
	if !ok {
		return nil, &domain.ProviderRequestError{Provider: "sandbox", Code: "resource_missing", Message: "No such payment_intent"}
	}
	return &charge, nil
}

func (g *SandboxGateway) CreateSession(ctx context.Context, in SessionRequest) (*HostedSession, error) {
	if err := g.sleep(ctx); err != nil {
		return nil, &domain.ProviderRequestError{Provider: "sandbox", Err: err}
	}
	id := "cs_sandbox_" + uuid.NewString()[:12]
	return &HostedSession{ID: id, URL: fmt.Sprintf("https://checkout.sandbox.local/pay/%s", id)}, nil
}
