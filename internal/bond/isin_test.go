package bond

import (
	"errors"
	"testing"
)

func TestParseISIN_Valid(t *testing.T) {
	i, err := ParseISIN("US0378331005")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if i.Country != "US" {
		t.Errorf("expected country=US, got %s", i.Country)
	}
	if i.NSIN != "037833100" {
		t.Errorf("expected nsin=037833100, got %s", i.NSIN)
	}
	if i.Check != 5 {
		t.Errorf("expected check=5, got %d", i.Check)
	}
}

func TestParseISIN_KnownCodes(t *testing.T) {
	codes := []string{
		"US0378331005",
		"INE002A01018",
		"US912828YK04",
		"XS1234567896",
		"DE000BAY0017",
	}
	for _, code := range codes {
		if _, err := ParseISIN(code); err != nil {
			t.Errorf("unexpected error for %s: %v", code, err)
		}
	}
}

func TestParseISIN_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"INVALID",
		"US037833100",   // too short
		"US03783310055", // too long
		"us0378331005",  // lower case country
		"1S0378331005",  // numeric country
		"US037833100X",  // letter check digit
	}
	for _, code := range tests {
		_, err := ParseISIN(code)
		if !errors.Is(err, ErrInvalidISIN) {
			t.Errorf("expected ErrInvalidISIN for %q, got %v", code, err)
		}
	}
}

func TestParseISIN_BadCheckDigit(t *testing.T) {
	_, err := ParseISIN("US0378331006")
	if !errors.Is(err, ErrInvalidCheck) {
		t.Errorf("expected ErrInvalidCheck, got %v", err)
	}
}

func TestIssuerKey_SameIssuer(t *testing.T) {
	// Two tranches of the same Indian issuer.
	a := IssuerKey("INE002A01018")
	b := IssuerKey("INE002A08013")
	if a != b {
		t.Errorf("expected same issuer, got %s and %s", a, b)
	}
	if a != "INE002A0" {
		t.Errorf("expected issuer=INE002A0, got %s", a)
	}
}

func TestIssuerKey_NonISIN(t *testing.T) {
	if got := IssuerKey("BOND-7Y-2031"); got != "BOND-7Y-2031" {
		t.Errorf("non-ISIN ids should group under themselves, got %s", got)
	}
}
