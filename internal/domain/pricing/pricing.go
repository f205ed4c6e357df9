// Package pricing converts a shopper's cart into gateway-ready line items.
//
// All arithmetic is exact decimal arithmetic. Unit amounts are converted to
// settlement minor units as round(price * rate * 100), rounding half away
// from zero, so the same cart always yields the same amounts.
package pricing

import (
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// CartItem is a single priced entry of the shopper's cart. Price is
// expressed in the source currency.
type CartItem struct {
	ID       string
	Name     string
	Image    string
	Price    decimal.Decimal
	Quantity int
}

// LineItem is a cart entry converted to the settlement currency.
type LineItem struct {
	Currency    string
	DisplayName string
	Images      []string
	UnitAmount  int64
	Quantity    int64
}

// Quote is the result of pricing a cart.
type Quote struct {
	LineItems []LineItem
	// SourceTotal is the pre-discount total in the source currency.
	SourceTotal decimal.Decimal
	// SettlementTotal is the sum of converted line amounts in minor units.
	SettlementTotal int64
}

// InvalidCartError reports a cart that cannot be priced.
type InvalidCartError struct {
	// Index of the offending item, or -1 when the cart as a whole is invalid.
	Index  int
	Reason string
}

func (e *InvalidCartError) Error() string {
	if e.Index < 0 {
		return "invalid cart: " + e.Reason
	}
	return fmt.Sprintf("invalid cart item %d: %s", e.Index, e.Reason)
}

// Engine prices carts with a single fixed exchange rate.
type Engine struct {
	rate     decimal.Decimal
	currency string
}

// NewEngine returns an Engine converting source prices with rate into the
// given settlement currency.
func NewEngine(rate decimal.Decimal, currency string) (*Engine, error) {
	if !rate.IsPositive() {
		return nil, errors.Errorf("exchange rate must be positive, got %s", rate)
	}
	if currency == "" {
		return nil, errors.New("settlement currency is required")
	}
	return &Engine{rate: rate, currency: currency}, nil
}

// Currency returns the settlement currency code.
func (e *Engine) Currency() string { return e.currency }

// Price validates items and converts them into line items.
func (e *Engine) Price(items []CartItem) (*Quote, error) {
	if len(items) == 0 {
		return nil, &InvalidCartError{Index: -1, Reason: "cart is empty"}
	}

	q := &Quote{
		LineItems:   make([]LineItem, len(items)),
		SourceTotal: decimal.Zero,
	}
	for i, item := range items {
		if err := validateItem(i, item); err != nil {
			return nil, err
		}

		unit := e.UnitAmount(item.Price)
		qty := int64(item.Quantity)

		var images []string
		if item.Image != "" {
			images = []string{item.Image}
		}
		q.LineItems[i] = LineItem{
			Currency:    e.currency,
			DisplayName: item.Name,
			Images:      images,
			UnitAmount:  unit,
			Quantity:    qty,
		}
		q.SourceTotal = q.SourceTotal.Add(item.Price.Mul(decimal.NewFromInt(qty)))
		q.SettlementTotal += unit * qty
	}

	return q, nil
}

// UnitAmount converts a source price into settlement minor units.
func (e *Engine) UnitAmount(price decimal.Decimal) int64 {
	return price.Mul(e.rate).Mul(hundred).Round(0).IntPart()
}

func validateItem(i int, item CartItem) error {
	switch {
	case item.ID == "":
		return &InvalidCartError{Index: i, Reason: "id is required"}
	case item.Quantity < 1:
		return &InvalidCartError{Index: i, Reason: "quantity must be at least 1"}
	case item.Price.IsNegative():
		return &InvalidCartError{Index: i, Reason: "price must not be negative"}
	}
	return nil
}

// Discount returns total reduced by percent, where the deducted amount is
// round(total * percent / 100). The result is never negative.
func Discount(total decimal.Decimal, percent int) decimal.Decimal {
	if percent <= 0 {
		return total
	}
	off := total.Mul(decimal.NewFromInt(int64(percent))).Div(hundred).Round(0)
	out := total.Sub(off)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}
