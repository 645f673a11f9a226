package model

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount хранит денежную сумму в копейках.
type Amount int64

var (
	// ErrNegativeAmount возвращается при разборе отрицательной суммы.
	ErrNegativeAmount = errors.New("amount must not be negative")
	// ErrAmountPrecision возвращается, если сумма содержит дробь мельче копейки.
	ErrAmountPrecision = errors.New("amount has more than two fractional digits")
	// ErrAmountOverflow возвращается, если сумма в копейках не помещается в int64.
	ErrAmountOverflow = errors.New("amount is too large")
)

var (
	hundred  = decimal.NewFromInt(100)
	maxCents = decimal.NewFromInt(math.MaxInt64)
)

// ParseAmount разбирает десятичную строку вида "12.34" в копейки.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return AmountFromDecimal(d)
}

// AmountFromDecimal переводит decimal в копейки без потери точности.
func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsNegative() {
		return 0, ErrNegativeAmount
	}
	cents := d.Mul(hundred)
	if !cents.IsInteger() {
		return 0, ErrAmountPrecision
	}
	if cents.GreaterThan(maxCents) {
		return 0, ErrAmountOverflow
	}
	return Amount(cents.IntPart()), nil
}

// Decimal возвращает сумму в рублях.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -2)
}

func (a Amount) String() string {
	return a.Decimal().StringFixed(2)
}

// MarshalJSON кодирует сумму числом с двумя знаками после запятой.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON принимает как число, так и строку.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "null" {
		return nil
	}
	v, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
