package domain

import (
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentPaid || s == PaymentFailed
}

// Payment is one attempt against an external provider for an order.
type Payment struct {
	ID                uuid.UUID     `json:"id"`
	OrderID           uuid.UUID     `json:"order_id"`
	Method            PaymentMethod `json:"method"`
	Amount            float64       `json:"amount"`
	Status            PaymentStatus `json:"status"`
	PhoneNumber       string        `json:"phone_number,omitempty"`
	CheckoutRequestID string        `json:"checkout_request_id,omitempty"`
	MerchantRequestID string        `json:"merchant_request_id,omitempty"`
	ProviderRef       string        `json:"provider_ref,omitempty"`
	ResultDesc        string        `json:"result_desc,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// DispatchResult is the single contract every payment method is adapted to.
// For mobile money Success means the prompt was sent, not that money moved.
type DispatchResult struct {
	Success           bool   `json:"success"`
	Error             string `json:"error,omitempty"`
	SessionURL        string `json:"session_url,omitempty"`
	TransactionHandle string `json:"transaction_handle,omitempty"`
}

type WatchState string

const (
	AwaitingConfirmation WatchState = "awaiting_confirmation"
	ConfirmedPaid        WatchState = "confirmed_paid"
	ConfirmedFailed      WatchState = "confirmed_failed"
	Abandoned            WatchState = "abandoned"
)

func (s WatchState) Terminal() bool {
	return s != AwaitingConfirmation
}

// PaymentEvent is published once per terminal payment transition.
type PaymentEvent struct {
	Type      string        `json:"type"`
	OrderID   string        `json:"order_id"`
	PaymentID string        `json:"payment_id"`
	Method    PaymentMethod `json:"method"`
	Amount    float64       `json:"amount"`
	Reason    string        `json:"reason,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
