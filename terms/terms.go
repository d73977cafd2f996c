// Package terms is the canonical representation of compensation terms.
package terms

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"dealflow/apperr"
)

// CommissionType selects which amount field of Terms is meaningful.
type CommissionType string

const (
	CommissionPercentage CommissionType = "percentage"
	CommissionFlat       CommissionType = "flat"
)

// ParseCommissionType validates a wire value.
func ParseCommissionType(raw string) (CommissionType, error) {
	switch CommissionType(strings.ToLower(strings.TrimSpace(raw))) {
	case CommissionPercentage:
		return CommissionPercentage, nil
	case CommissionFlat:
		return CommissionFlat, nil
	default:
		return "", apperr.Validation("unknown commission type %q", raw)
	}
}

// Terms is a value type; the inactive amount field is ignored by Equal.
type Terms struct {
	CommissionType CommissionType `json:"commission_type"`
	Percentage     *float64       `json:"percentage,omitempty"`
	FlatFee        *float64       `json:"flat_fee,omitempty"`
}

// Percentage builds percentage terms.
func Percentage(pct float64) Terms {
	return Terms{CommissionType: CommissionPercentage, Percentage: &pct}
}

// Flat builds flat-fee terms.
func Flat(fee float64) Terms {
	return Terms{CommissionType: CommissionFlat, FlatFee: &fee}
}

// Validate rejects terms whose active amount is missing or out of range.
func Validate(t Terms) error {
	switch t.CommissionType {
	case CommissionPercentage:
		if t.Percentage == nil {
			return apperr.Validation("percentage terms require a percentage")
		}
		if *t.Percentage <= 0 || *t.Percentage > 100 || math.IsNaN(*t.Percentage) {
			return apperr.Validation("percentage must be in (0, 100]")
		}
	case CommissionFlat:
		if t.FlatFee == nil {
			return apperr.Validation("flat terms require a flat fee")
		}
		if *t.FlatFee <= 0 || math.IsNaN(*t.FlatFee) || math.IsInf(*t.FlatFee, 0) {
			return apperr.Validation("flat fee must be positive")
		}
	default:
		return apperr.Validation("unknown commission type %q", t.CommissionType)
	}
	return nil
}

// Normalize drops the amount field that the commission type does not use.
func Normalize(t Terms) Terms {
	out := Terms{CommissionType: t.CommissionType}
	switch t.CommissionType {
	case CommissionPercentage:
		out.Percentage = copyFloat(t.Percentage)
	case CommissionFlat:
		out.FlatFee = copyFloat(t.FlatFee)
	}
	return out
}

// Equal compares only the fields relevant to the active commission type.
func Equal(a, b Terms) bool {
	if a.CommissionType != b.CommissionType {
		return false
	}
	switch a.CommissionType {
	case CommissionPercentage:
		return floatPtrEqual(a.Percentage, b.Percentage)
	case CommissionFlat:
		return floatPtrEqual(a.FlatFee, b.FlatFee)
	default:
		return floatPtrEqual(a.Percentage, b.Percentage) && floatPtrEqual(a.FlatFee, b.FlatFee)
	}
}

// Format renders a deterministic human string.
func Format(t Terms) string {
	switch t.CommissionType {
	case CommissionPercentage:
		if t.Percentage == nil {
			return "percentage commission (unset)"
		}
		return fmt.Sprintf("%s%% commission", strconv.FormatFloat(*t.Percentage, 'f', -1, 64))
	case CommissionFlat:
		if t.FlatFee == nil {
			return "flat fee (unset)"
		}
		return fmt.Sprintf("$%s flat fee", strconv.FormatFloat(*t.FlatFee, 'f', 2, 64))
	default:
		return "no commission terms"
	}
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
