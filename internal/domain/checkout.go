package domain

import "github.com/google/uuid"

// CartLine is what the storefront cart hands to checkout.
type CartLine struct {
	ProductID   string  `json:"product_id" validate:"required"`
	ProductName string  `json:"product_name" validate:"required"`
	UnitPrice   float64 `json:"unit_price" validate:"gt=0,cents"`
	Quantity    int     `json:"quantity" validate:"gte=1"`
	Size        string  `json:"size,omitempty"`
	Color       string  `json:"color,omitempty"`
}

type ShippingForm struct {
	FirstName  string `json:"first_name" validate:"required"`
	LastName   string `json:"last_name" validate:"required"`
	Email      string `json:"email" validate:"required,email"`
	Phone      string `json:"phone" validate:"required"`
	Address    string `json:"address" validate:"required"`
	City       string `json:"city" validate:"required"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code" validate:"required"`
	Country    string `json:"country,omitempty"`
}

func (f ShippingForm) ToAddress() ShippingAddress {
	country := f.Country
	if country == "" {
		country = "Kenya"
	}
	return ShippingAddress{
		Name:       f.FirstName + " " + f.LastName,
		Street:     f.Address,
		City:       f.City,
		Region:     f.Region,
		PostalCode: f.PostalCode,
		Country:    country,
		Phone:      f.Phone,
		Email:      f.Email,
	}
}

type BillingAddress struct {
	Line1      string `json:"line1"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// CardDetails is the card form payload. Expiry is "MM/YY".
type CardDetails struct {
	Number         string         `json:"number"`
	Expiry         string         `json:"expiry"`
	CVC            string         `json:"cvc"`
	CardholderName string         `json:"cardholder_name"`
	Billing        BillingAddress `json:"billing"`
}

type CheckoutRequest struct {
	IdempotencyKey string        `json:"-"`
	UserID         uuid.UUID     `json:"-"`
	Cart           []CartLine    `json:"cart"`
	Shipping       ShippingForm  `json:"shipping"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	MpesaPhone     string        `json:"mpesa_phone,omitempty"`
	Card           *CardDetails  `json:"card,omitempty"`
	AcceptedTerms  bool          `json:"accepted_terms"`
}
