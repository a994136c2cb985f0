package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
)

type PaymentMethod string

const (
	MethodMpesa          PaymentMethod = "mpesa"
	MethodCard           PaymentMethod = "card"
	MethodHostedCheckout PaymentMethod = "hosted_checkout"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodMpesa, MethodCard, MethodHostedCheckout:
		return true
	}
	return false
}

type ShippingAddress struct {
	Name       string `json:"name"`
	Street     string `json:"street"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
}

// Order is immutable in amount once created. PaymentStatus is the only field
// the checkout flow moves, and only away from pending.
type Order struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	Status          OrderStatus     `json:"status"`
	PaymentStatus   PaymentStatus   `json:"payment_status"`
	TotalAmount     float64         `json:"total_amount"`
	PaymentMethod   PaymentMethod   `json:"payment_method"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// OrderItem snapshots the product name and price at order time.
type OrderItem struct {
	ID          uuid.UUID `json:"id"`
	OrderID     uuid.UUID `json:"order_id"`
	ProductID   string    `json:"product_id"`
	ProductName string    `json:"product_name"`
	UnitPrice   float64   `json:"unit_price"`
	Quantity    int       `json:"quantity"`
	Size        string    `json:"size,omitempty"`
	Color       string    `json:"color,omitempty"`
}

func (i OrderItem) LineTotal() float64 {
	return RoundCents(i.UnitPrice * float64(i.Quantity))
}

// OrderTotal sums the line totals of items, in whole cents as stored.
func OrderTotal(items []OrderItem) float64 {
	var cents int64
	for _, it := range items {
		cents += int64(math.Round(it.LineTotal() * 100))
	}
	return float64(cents) / 100
}

func RoundCents(amount float64) float64 {
	return math.Round(amount*100) / 100
}

// WholeCents reports whether amount has at most two decimal places.
func WholeCents(amount float64) bool {
	return math.Abs(amount*100-math.Round(amount*100)) < 1e-6
}
