package tax

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"assistant-billing/internal/config"
)

var (
	ErrUnsupportedCurrency  = errors.New("unsupported currency")
	ErrUnsupportedRateClass = errors.New("unsupported rate class")
)

// Calculator is a pure lookup of tax amounts by currency and rate class.
// Rates are parsed once at construction so a bad table fails startup.
type Calculator struct {
	rates map[string]map[string]decimal.Decimal
}

// NewCalculator builds a Calculator from the catalog tax table.
func NewCalculator(catalog *config.Catalog) (*Calculator, error) {
	rates := make(map[string]map[string]decimal.Decimal, len(catalog.TaxRates))
	for currency, classes := range catalog.TaxRates {
		parsed := make(map[string]decimal.Decimal, len(classes))
		for class, raw := range classes {
			rate, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("tax rate %s/%s: %w", currency, class, err)
			}
			if rate.IsNegative() {
				return nil, fmt.Errorf("tax rate %s/%s is negative", currency, class)
			}
			parsed[class] = rate
		}
		rates[currency] = parsed
	}
	return &Calculator{rates: rates}, nil
}

// Calculate returns the tax on amount (minor units) for the given currency
// and rate class, rounded half-up. An empty rateClass means "standard".
// Unknown currencies are an error, never silently zero-rated.
func (c *Calculator) Calculate(amount int64, currency, rateClass string) (int64, error) {
	if rateClass == "" {
		rateClass = "standard"
	}
	classes, ok := c.rates[currency]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	rate, ok := classes[rateClass]
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrUnsupportedRateClass, currency, rateClass)
	}
	tax := decimal.NewFromInt(amount).Mul(rate).Round(0)
	return tax.IntPart(), nil
}
