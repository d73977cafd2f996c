package terms

import (
	"errors"
	"testing"

	"dealflow/apperr"
)

func TestEqual_IgnoresInactiveField(t *testing.T) {
	fee := 5000.0
	a := Percentage(3)
	b := Percentage(3)
	b.FlatFee = &fee

	if !Equal(a, b) {
		t.Fatal("percentage terms should ignore flat_fee")
	}

	if Equal(Percentage(3), Percentage(2.5)) {
		t.Fatal("different percentages must not be equal")
	}
	if Equal(Flat(5000), Flat(6000)) {
		t.Fatal("different flat fees must not be equal")
	}
	if Equal(Flat(3), Percentage(3)) {
		t.Fatal("different commission types must not be equal")
	}
}

func TestFormat_Deterministic(t *testing.T) {
	cases := map[string]Terms{
		"3% commission":       Percentage(3),
		"2.75% commission":    Percentage(2.75),
		"$5000.00 flat fee":   Flat(5000),
		"no commission terms": {},
		"flat fee (unset)":    {CommissionType: CommissionFlat},
	}
	for want, in := range cases {
		if got := Format(in); got != want {
			t.Errorf("Format(%+v) = %q, want %q", in, got, want)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(Percentage(3)); err != nil {
		t.Fatalf("valid percentage rejected: %v", err)
	}
	if err := Validate(Flat(0)); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for zero fee, got %v", err)
	}
	if err := Validate(Terms{CommissionType: CommissionPercentage}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for missing percentage, got %v", err)
	}
	if err := Validate(Terms{CommissionType: "bonus"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for unknown type, got %v", err)
	}
}

func TestNormalize_DropsInactiveField(t *testing.T) {
	fee := 100.0
	in := Percentage(4)
	in.FlatFee = &fee

	out := Normalize(in)
	if out.FlatFee != nil {
		t.Fatal("expected flat fee to be dropped")
	}
	if out.Percentage == nil || *out.Percentage != 4 {
		t.Fatalf("unexpected percentage %v", out.Percentage)
	}
}
