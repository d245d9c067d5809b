package validation

import (
	"fmt"
	"sort"
	"strings"

	errors "github.com/frahmantamala/crowdfunding-payments/internal"
)

// AmountLimits are minor-unit bounds for a single donation.
type AmountLimits struct {
	Min int64
	Max int64
}

// CurrencyLimits is the per-currency minimum table. Minimums follow the card
// networks' smallest chargeable amount in each currency.
var CurrencyLimits = map[string]AmountLimits{
	"USD": {Min: 100, Max: 10_000_000},
	"EUR": {Min: 100, Max: 10_000_000},
	"GBP": {Min: 100, Max: 10_000_000},
	"SGD": {Min: 100, Max: 10_000_000},
	"THB": {Min: 2_000, Max: 300_000_000},
	"JPY": {Min: 100, Max: 1_000_000_000},
	"IDR": {Min: 1_000_000, Max: 100_000_000_000},
}

func SupportedCurrencies() []string {
	out := make([]string, 0, len(CurrencyLimits))
	for c := range CurrencyLimits {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// ValidateDonationAmount checks amount against the currency's limits.
func ValidateDonationAmount(amount int64, currency string) *errors.AppError {
	limits, ok := CurrencyLimits[NormalizeCurrency(currency)]
	if !ok {
		return errors.NewValidationFieldError("currency",
			fmt.Sprintf("currency %q is not supported", currency), errors.ErrCodeInvalidCurrency)
	}

	validator := NewValidator()
	validator.Field("amount", amount).
		Required().
		MinInt(1, errors.ErrCodeInvalidAmount).
		MinInt(limits.Min, errors.ErrCodeAmountTooLow).
		MaxInt(limits.Max, errors.ErrCodeAmountTooHigh)
	return validator.Validate()
}
