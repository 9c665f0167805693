package domain

import (
	"regexp"
	"strings"
)

// VIN format: 17 alphanumeric characters, excluding I, O, Q.
var vinRegex = regexp.MustCompile(`^[A-HJ-NPR-Z0-9]{17}$`)

// ISO 3779 transliteration values for check-digit computation.
var vinTransliteration = map[byte]int{
	'A': 1, 'B': 2, 'C': 3, 'D': 4, 'E': 5, 'F': 6, 'G': 7, 'H': 8,
	'J': 1, 'K': 2, 'L': 3, 'M': 4, 'N': 5, 'P': 7, 'R': 9,
	'S': 2, 'T': 3, 'U': 4, 'V': 5, 'W': 6, 'X': 7, 'Y': 8, 'Z': 9,
	'0': 0, '1': 1, '2': 2, '3': 3, '4': 4, '5': 5, '6': 6, '7': 7,
	'8': 8, '9': 9,
}

// Position weights for the ISO 3779 weighted sum. Position 9 (the check
// digit itself) has weight 0.
var vinWeights = [17]int{8, 7, 6, 5, 4, 3, 2, 10, 0, 9, 8, 7, 6, 5, 4, 3, 2}

// NormalizeVIN uppercases and strips surrounding whitespace.
func NormalizeVIN(vin string) string {
	return strings.ToUpper(strings.TrimSpace(vin))
}

// ValidateVIN checks format and the ISO 3779 check digit. This is the gate
// that decides whether a document is mergeable at all: a listing without a
// verified VIN cannot be deduplicated or trusted downstream.
func ValidateVIN(vin string) error {
	v := NormalizeVIN(vin)
	if !vinRegex.MatchString(v) {
		return NewValidationError(FieldVIN, vin, ErrInvalidVIN)
	}

	sum := 0
	for i := 0; i < 17; i++ {
		val, ok := vinTransliteration[v[i]]
		if !ok {
			return NewValidationError(FieldVIN, vin, ErrInvalidVIN)
		}
		sum += val * vinWeights[i]
	}

	rem := sum % 11
	var check byte
	if rem == 10 {
		check = 'X'
	} else {
		check = byte('0' + rem)
	}
	if v[8] != check {
		return NewValidationError(FieldVIN, vin, ErrInvalidVIN)
	}
	return nil
}

// ValidVIN is the boolean convenience form of ValidateVIN.
func ValidVIN(vin string) bool {
	return ValidateVIN(vin) == nil
}
