package ledger

import (
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// ParseAmount converts a decimal string into minor units for kind. Cash takes
// at most two decimal places; product credit must be whole units.
func ParseAmount(kind Kind, s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q: %v", ErrInvalidInput, s, err)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("%w: amount %q must be positive", ErrInvalidInput, s)
	}

	switch kind {
	case KindCash:
		minor := d.Shift(2)
		if !minor.Equal(minor.Truncate(0)) {
			return 0, fmt.Errorf("%w: amount %q has more than two decimal places", ErrInvalidInput, s)
		}
		return minor.IntPart(), nil
	case KindProductUnits:
		if !d.Equal(d.Truncate(0)) {
			return 0, fmt.Errorf("%w: product units %q must be whole", ErrInvalidInput, s)
		}
		return d.IntPart(), nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}
}

func FormatAmount(kind Kind, amount int64, currency string) string {
	if kind == KindCash {
		if currency == "" {
			currency = "CNY"
		}
		return money.New(amount, currency).Display()
	}
	return fmt.Sprintf("%d units", amount)
}
