// Package bond handles bond identifier parsing and validation, and the
// derivation of issuer groups used for concentration limits.
package bond

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// isinRegex matches: {country}{nsin}{check}
// Example: US0378331005
var isinRegex = regexp.MustCompile(`^([A-Z]{2})([A-Z0-9]{9})([0-9])$`)

// issuerLen is the number of leading NSIN characters that identify the
// issuer (the CUSIP issuer code for US and CA securities).
const issuerLen = 6

var (
	ErrInvalidISIN  = errors.New("bond: invalid ISIN format")
	ErrInvalidCheck = errors.New("bond: ISIN check digit mismatch")
)

// ISIN is a parsed International Securities Identification Number.
type ISIN struct {
	Code    string `json:"code"`
	Country string `json:"country"`
	NSIN    string `json:"nsin"`
	Check   int    `json:"check"`
}

// Issuer returns the issuer group of the security: country code followed by
// the issuer part of the NSIN.
func (i *ISIN) Issuer() string {
	return i.Country + i.NSIN[:issuerLen]
}

// ParseISIN parses and validates an ISIN, including its check digit.
// Format: {CC}{9 alphanumeric}{check digit}
func ParseISIN(code string) (*ISIN, error) {
	matches := isinRegex.FindStringSubmatch(code)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {CC}{9 alnum}{digit})", ErrInvalidISIN, code)
	}

	check := int(matches[3][0] - '0')
	if want := checkDigit(matches[1] + matches[2]); want != check {
		return nil, fmt.Errorf("%w: %s (want %d)", ErrInvalidCheck, code, want)
	}

	return &ISIN{
		Code:    code,
		Country: matches[1],
		NSIN:    matches[2],
		Check:   check,
	}, nil
}

// IssuerKey returns the group a bond identifier is limited under. Valid
// ISINs group by issuer; any other identifier forms its own group.
func IssuerKey(bondID string) string {
	isin, err := ParseISIN(strings.ToUpper(bondID))
	if err != nil {
		return bondID
	}
	return isin.Issuer()
}

// checkDigit computes the Luhn check digit over the ISIN body with letters
// expanded to two-digit numbers (A=10 … Z=35).
func checkDigit(body string) int {
	var digits []int
	for _, c := range body {
		switch {
		case c >= '0' && c <= '9':
			digits = append(digits, int(c-'0'))
		default:
			n := int(c-'A') + 10
			digits = append(digits, n/10, n%10)
		}
	}

	sum := 0
	for i := len(digits) - 1; i >= 0; i-- {
		n := digits[i]
		if (len(digits)-1-i)%2 == 0 {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
	}
	return (10 - sum%10) % 10
}
