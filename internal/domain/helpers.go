package domain

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func ParseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// JoinList flattens a multi-valued parameter into the comma separated form the
// gateway expects.
func JoinList(values []string) string {
	return strings.Join(values, ",")
}

func NewEventID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// NewCustomerOrderID returns a fresh cOID for orders that do not carry one.
func NewCustomerOrderID() string {
	return NewEventID().String()
}
