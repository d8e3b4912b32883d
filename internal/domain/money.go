package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Money is an amount in cents. It renders as a 2-decimal string.
type Money int64

const (
	// MaxPrice is the largest accepted per-unit price (999999999.99).
	MaxPrice Money = 99999999999
	// MaxTotal caps quantity × price for a single job.
	MaxTotal Money = MaxPrice
	// MaxQuantity is the largest accepted job quantity.
	MaxQuantity = 1_000_000
)

func MoneyFromFloat(f float64) Money {
	return Money(math.Round(f * 100))
}

// ParseMoney accepts "2", "2.5", "2.00" and rounds anything finer to cents.
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty amount")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return MoneyFromFloat(f), nil
}

func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func (m Money) Float() float64 {
	return float64(m) / 100
}

func (m Money) Mul(qty int) Money {
	return m * Money(qty)
}

// CheckedMul returns m × qty, or false when either side is not positive or
// the product would exceed MaxTotal.
func (m Money) CheckedMul(qty int) (Money, bool) {
	if m <= 0 || qty <= 0 {
		return 0, false
	}
	if int64(qty) > int64(MaxTotal/m) {
		return 0, false
	}
	return m * Money(qty), true
}

// Share returns m × bps / 10000, truncated to the cent. Callers splitting a
// total hand the truncated remainder to the other party, so shares always
// add up to the total.
func (m Money) Share(bps int) Money {
	return m * Money(bps) / 10000
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Money) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}
	v, err := ParseMoney(raw)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
