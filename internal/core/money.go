// Package core provides the loan domain model, money handling and the error taxonomy.
//
// This file contains functions for parsing monetary amounts from user input and
// rounding them to cents.
package core

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// CentPlaces is the number of decimal places kept for stored money values.
const CentPlaces = 2

// ParseAmount converts a decimal string to a positive amount rounded to cents.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators and performs
// half-up rounding on the third decimal place. Returns ErrInvalidArgument for
// invalid formats, negative values, or amounts that round to zero.
//
// Examples:
//
//	ParseAmount("12.34")  -> 12.34
//	ParseAmount("12,34")  -> 12.34
//	ParseAmount("12.345") -> 12.35
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidArgument
	}
	s = strings.ReplaceAll(s, ",", ".")
	if strings.Count(s, ".") > 1 {
		return decimal.Zero, ErrInvalidArgument
	}
	for _, r := range s {
		if r != '.' && !unicode.IsDigit(r) {
			// Sign characters land here too: only positive values are accepted.
			return decimal.Zero, ErrInvalidArgument
		}
	}
	if strings.HasPrefix(s, ".") {
		s = "0" + s
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidArgument
	}
	d = RoundCents(d)
	if !d.IsPositive() {
		return decimal.Zero, ErrInvalidArgument
	}
	return d, nil
}

// RoundCents rounds d half-up to two decimal places.
func RoundCents(d decimal.Decimal) decimal.Decimal {
	return d.Round(CentPlaces)
}

// CheckCents rejects amounts carrying fractions of a cent.
func CheckCents(name string, d decimal.Decimal) error {
	if !d.Equal(RoundCents(d)) {
		return fmt.Errorf("%w: %s %s has more than %d decimal places", ErrInvalidArgument, name, d, CentPlaces)
	}
	return nil
}

// FormatAmount renders d with exactly two decimals, as stored and displayed.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(CentPlaces)
}
