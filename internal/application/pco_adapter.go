package application

import (
	"fmt"
	"strings"
	"time"
)

// NewPCOAdapter builds the Planning Center adapter: the mapping tables for
// the people and donations collections. Planning Center list endpoints
// return the full collection, so absence from a completed pass is a sound
// deletion signal.
func NewPCOAdapter() *Adapter {
	return &Adapter{
		Name:        "pco",
		FullListing: true,
		EntityTypes: []string{"people", "donations"},
		FieldMaps: map[string][]FieldMap{
			"people": {
				{External: "first_name", Internal: "firstName", Transform: trimString},
				{External: "last_name", Internal: "lastName", Transform: trimString},
				{External: "birthdate", Internal: "birthDate", Transform: parseDate},
				{External: "status", Internal: "membershipStatus", Transform: lowerString},
				{External: "child", Internal: "isChild"},
			},
			"donations": {
				{External: "amount_cents", Internal: "amountCents", Transform: toInt64},
				{External: "payment_method", Internal: "paymentMethod", Transform: lowerString},
				{External: "received_at", Internal: "receivedAt", Transform: parseTimestamp},
				{External: "fund_name", Internal: "fund", Transform: trimString},
			},
		},
	}
}

func trimString(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", value)
	}
	return strings.TrimSpace(s), nil
}

func lowerString(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", value)
	}
	return strings.ToLower(strings.TrimSpace(s)), nil
}

func parseDate(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", value)
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

func parseTimestamp(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", value)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// toInt64 accepts the numeric shapes JSON decoding produces.
func toInt64(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return nil, fmt.Errorf("expected number, got %T", value)
	}
}
