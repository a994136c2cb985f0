package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CardNumberDigits strips spaces and dashes.
func CardNumberDigits(number string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(number))
}

// ParseExpiry reads "MM/YY" or "MM/YYYY".
func ParseExpiry(expiry string) (month, year int, err error) {
	parts := strings.Split(strings.TrimSpace(expiry), "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expiry must be MM/YY")
	}
	month, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("invalid expiry month")
	}
	ys := strings.TrimSpace(parts[1])
	year, err = strconv.Atoi(ys)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid expiry year")
	}
	switch len(ys) {
	case 2:
		year += 2000
	case 4:
	default:
		return 0, 0, fmt.Errorf("invalid expiry year")
	}
	return month, year, nil
}

// ValidateCard runs the local card form checks. A card expiring this month is still valid.
func ValidateCard(c *CardDetails, now time.Time) error {
	if c == nil {
		return NewValidationError("card", "card details are required")
	}

	digits := CardNumberDigits(c.Number)
	if len(digits) < 13 || len(digits) > 19 || !allDigits(digits) {
		return NewValidationError("card.number", "card number must be 13 to 19 digits")
	}

	month, year, err := ParseExpiry(c.Expiry)
	if err != nil {
		return NewValidationError("card.expiry", err.Error())
	}
	if year < now.Year() || (year == now.Year() && month < int(now.Month())) {
		return NewValidationError("card.expiry", "card has expired")
	}

	cvc := strings.TrimSpace(c.CVC)
	if len(cvc) < 3 || len(cvc) > 4 || !allDigits(cvc) {
		return NewValidationError("card.cvc", "CVC must be 3 or 4 digits")
	}

	required := []struct{ field, value string }{
		{"card.cardholder_name", c.CardholderName},
		{"card.billing.line1", c.Billing.Line1},
		{"card.billing.city", c.Billing.City},
		{"card.billing.postal_code", c.Billing.PostalCode},
		{"card.billing.country", c.Billing.Country},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return NewValidationError(r.field, "is required")
		}
	}
	return nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
