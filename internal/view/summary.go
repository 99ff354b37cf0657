package view

import (
	"github.com/shopspring/decimal"
)

// Policy holds the pricing rules applied on top of a cart subtotal.
type Policy struct {
	// Orders with a subtotal strictly above this ship free.
	FreeShippingThreshold int64
	ShippingFee           int64
	TaxRate               decimal.Decimal
}

// DefaultPolicy ships free above 50.00, charges 9.99 otherwise and applies 8% tax.
func DefaultPolicy() Policy {
	return Policy{
		FreeShippingThreshold: 5000,
		ShippingFee:           999,
		TaxRate:               decimal.RequireFromString("0.08"),
	}
}

// Summary is the order summary shown next to a cart. Amounts are in cents.
type Summary struct {
	Subtotal              int64 `json:"subtotal"`
	Shipping              int64 `json:"shipping"`
	Tax                   int64 `json:"tax"`
	Total                 int64 `json:"total"`
	FreeShippingRemaining int64 `json:"free_shipping_remaining"`
}

// Summarize applies p to subtotal. An empty cart owes nothing.
func Summarize(subtotal int64, p Policy) Summary {
	s := Summary{Subtotal: subtotal}
	if subtotal <= 0 {
		return s
	}

	if subtotal <= p.FreeShippingThreshold {
		s.Shipping = p.ShippingFee
		s.FreeShippingRemaining = p.FreeShippingThreshold - subtotal
	}

	s.Tax = decimal.NewFromInt(subtotal).Mul(p.TaxRate).Round(0).IntPart()
	s.Total = s.Subtotal + s.Shipping + s.Tax
	return s
}
